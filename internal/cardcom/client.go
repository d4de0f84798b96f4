// Package cardcom is a client for the CardCom LowProfile hosted payment page
// API: it creates charge pages and verifies their outcome.
package cardcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-fulfillment/internal/retry"
)

// ErrTransient marks failures worth retrying: timeouts, connection errors and
// 5xx responses.
var ErrTransient = errors.New("cardcom: transient failure")

// APIError is a definitive answer from CardCom that is not a success.
type APIError struct {
	HTTPStatus   int
	ResponseCode int
	Description  string
}

func (e *APIError) Error() string {
	if e.HTTPStatus != 0 && e.HTTPStatus != http.StatusOK {
		return fmt.Sprintf("cardcom: http %d: %s", e.HTTPStatus, e.Description)
	}
	return fmt.Sprintf("cardcom: response code %d: %s", e.ResponseCode, e.Description)
}

type Config struct {
	BaseURL        string        `default:"https://secure.cardcom.solutions/api/v11" usage:"CardCom API base URL"`
	TerminalNumber string        `usage:"CardCom terminal number"`
	APIName        string        `usage:"CardCom API name"`
	Language       string        `default:"he" usage:"Language of the hosted payment page"`
	CurrencyID     int           `default:"1" usage:"ISO coin id (1 = ILS)"`
	Timeout        time.Duration `default:"10s" usage:"Per-request timeout"`
	Verify         retry.Policy
}

// VerifyBudget is the longest a single Verify call can take with every
// attempt timing out.
func (c Config) VerifyBudget() time.Duration {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return c.Verify.Or(DefaultVerifyPolicy).Budget(timeout)
}

func (c Config) Configured() bool {
	return c.TerminalNumber != "" && c.APIName != ""
}

type Client struct {
	cfg           Config
	httpClient    *http.Client
	logger        *slog.Logger
	verifyLatency metric.Float64Histogram
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	latency, err := otel.Meter("cardcom").Float64Histogram("cardcom.verify.duration",
		metric.WithDescription("Duration of CardCom verification calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cfg.Verify = cfg.Verify.Or(DefaultVerifyPolicy)
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:           cfg,
		httpClient:    httpClient,
		logger:        logger,
		verifyLatency: latency,
	}, nil
}

type CardOwner struct {
	Name  string
	Email string
	Phone string
}

type CreateRequest struct {
	Amount      decimal.Decimal
	ReturnValue string
	ProductName string
	SuccessURL  string
	FailedURL   string
	WebhookURL  string
	CardOwner   CardOwner
}

type CreateResult struct {
	PaymentID string
	URL       string
	Raw       json.RawMessage
}

type uiDefinition struct {
	CardOwnerNameValue       string `json:"CardOwnerNameValue"`
	CardOwnerEmailValue      string `json:"CardOwnerEmailValue"`
	CardOwnerPhoneValue      string `json:"CardOwnerPhoneValue"`
	IsCardOwnerPhoneRequired bool   `json:"IsCardOwnerPhoneRequired"`
	IsCardOwnerEmailRequired bool   `json:"IsCardOwnerEmailRequired"`
}

type createPayload struct {
	TerminalNumber     string       `json:"TerminalNumber"`
	APIName            string       `json:"ApiName"`
	Amount             float64      `json:"Amount"`
	Operation          string       `json:"Operation"`
	ReturnValue        string       `json:"ReturnValue"`
	ProductName        string       `json:"ProductName"`
	Language           string       `json:"Language"`
	ISOCoinID          int          `json:"ISOCoinId"`
	SuccessRedirectURL string       `json:"SuccessRedirectUrl"`
	FailedRedirectURL  string       `json:"FailedRedirectUrl"`
	WebHookURL         string       `json:"WebHookUrl"`
	UIDefinition       uiDefinition `json:"UIDefinition"`
}

type createResponse struct {
	ResponseCode int    `json:"ResponseCode"`
	Description  string `json:"Description"`
	LowProfileID string `json:"LowProfileId"`
	URL          string `json:"Url"`
}

// CreatePaymentPage asks CardCom for a hosted charge page. It is not retried:
// a repeated create would open a second page for the same checkout.
func (c *Client) CreatePaymentPage(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	payload := createPayload{
		TerminalNumber:     c.cfg.TerminalNumber,
		APIName:            c.cfg.APIName,
		Amount:             req.Amount.InexactFloat64(),
		Operation:          "ChargeOnly",
		ReturnValue:        req.ReturnValue,
		ProductName:        req.ProductName,
		Language:           c.cfg.Language,
		ISOCoinID:          c.cfg.CurrencyID,
		SuccessRedirectURL: req.SuccessURL,
		FailedRedirectURL:  req.FailedURL,
		WebHookURL:         req.WebhookURL,
		UIDefinition: uiDefinition{
			CardOwnerNameValue:       req.CardOwner.Name,
			CardOwnerEmailValue:      req.CardOwner.Email,
			CardOwnerPhoneValue:      req.CardOwner.Phone,
			IsCardOwnerPhoneRequired: true,
			IsCardOwnerEmailRequired: true,
		},
	}

	raw, err := c.post(ctx, "/LowProfile/Create", payload)
	if err != nil {
		return nil, errors.Wrap(err, "create payment page")
	}

	var resp createResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "decode create response")
	}
	if resp.ResponseCode != 0 {
		return nil, &APIError{HTTPStatus: http.StatusOK, ResponseCode: resp.ResponseCode, Description: resp.Description}
	}
	if resp.LowProfileID == "" || resp.URL == "" {
		return nil, &APIError{HTTPStatus: http.StatusOK, Description: "response missing LowProfileId or Url"}
	}

	return &CreateResult{PaymentID: resp.LowProfileID, URL: resp.URL, Raw: raw}, nil
}

type VerifyResult struct {
	Approved     bool
	ResponseCode int
	Description  string
	Raw          json.RawMessage
}

type verifyPayload struct {
	TerminalNumber string `json:"TerminalNumber"`
	APIName        string `json:"ApiName"`
	LowProfileID   string `json:"LowProfileId"`
}

type verifyResponse struct {
	ResponseCode int    `json:"ResponseCode"`
	Description  string `json:"Description"`
}

// Verify asks CardCom for the outcome of a payment page. A declined or
// unknown payment is a result with Approved false and a nil error. An error
// means no definitive answer was obtained within the retry policy.
func (c *Client) Verify(ctx context.Context, paymentID string) (*VerifyResult, error) {
	start := time.Now()
	payload := verifyPayload{
		TerminalNumber: c.cfg.TerminalNumber,
		APIName:        c.cfg.APIName,
		LowProfileID:   paymentID,
	}

	result, err := retry.Do(ctx, c.cfg.Verify, func(ctx context.Context) (*VerifyResult, error) {
		raw, err := c.post(ctx, "/LowProfile/GetLpResult", payload)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				return nil, err
			}
			return nil, retry.Permanent(err)
		}

		var resp verifyResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, retry.Permanent(errors.Wrap(err, "decode verify response"))
		}
		return &VerifyResult{
			Approved:     resp.ResponseCode == 0,
			ResponseCode: resp.ResponseCode,
			Description:  resp.Description,
			Raw:          raw,
		}, nil
	}, func(attempt uint, err error, next time.Duration) {
		c.logger.Warn("cardcom verify attempt failed", "payment_id", paymentID, "attempt", attempt, "retry_in", next, "error", err)
	})

	outcome := "error"
	if err == nil {
		outcome = "approved"
		if !result.Approved {
			outcome = "declined"
		}
	}
	c.verifyLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))

	if err != nil {
		return nil, errors.Wrap(err, "verify payment")
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.Join(ErrTransient, err), "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(errors.Join(ErrTransient, err), "read response")
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Wrapf(ErrTransient, "http %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{HTTPStatus: resp.StatusCode, Description: strings.TrimSpace(string(body))}
	}

	return body, nil
}

// DefaultVerifyPolicy is used when Config.Verify is left empty.
var DefaultVerifyPolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    4 * time.Second,
	Jitter:      0.2,
}
