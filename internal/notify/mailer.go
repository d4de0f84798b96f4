// Package notify emails buyers when their order is confirmed or its
// fulfillment status changes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
)

type Message struct {
	ToEmail string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type Config struct {
	BaseURL   string `default:"https://api.mailersend.com/v1" usage:"Transactional email API base URL"`
	APIToken  string `usage:"Email API token; empty disables sending"`
	FromEmail string `default:"no-reply@storefront.local" usage:"Sender address"`
	FromName  string `default:"Storefront" usage:"Sender display name"`
}

// HTTPMailer sends through a MailerSend-compatible POST /email endpoint.
type HTTPMailer struct {
	cfg    Config
	client *http.Client
}

var _ Mailer = (*HTTPMailer)(nil)

func NewHTTPMailer(cfg Config, client *http.Client) *HTTPMailer {
	return &HTTPMailer{cfg: cfg, client: client}
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendRequest struct {
	From    address   `json:"from"`
	To      []address `json:"to"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	HTML    string    `json:"html"`
}

func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(sendRequest{
		From:    address{Email: m.cfg.FromEmail, Name: m.cfg.FromName},
		To:      []address{{Email: msg.ToEmail, Name: msg.ToName}},
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	})
	if err != nil {
		return errors.Wrap(err, "marshal email")
	}

	url := strings.TrimRight(m.cfg.BaseURL, "/") + "/email"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "create email request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send email")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return errors.Errorf("email API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogMailer only logs. It stands in when no API token is configured.
type LogMailer struct {
	logger *slog.Logger
}

var _ Mailer = (*LogMailer)(nil)

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("email sending disabled, skipping", "to", msg.ToEmail, "subject", msg.Subject)
	return nil
}

// NewMailer picks HTTPMailer when cfg carries a token.
func NewMailer(cfg Config, client *http.Client, logger *slog.Logger) Mailer {
	if cfg.APIToken == "" {
		return NewLogMailer(logger)
	}
	return NewHTTPMailer(cfg, client)
}
