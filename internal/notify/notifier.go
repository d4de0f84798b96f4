package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-fulfillment/internal/auth"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

type Notifier struct {
	profiles auth.ProfileStore
	mailer   Mailer
	logger   *slog.Logger
}

func NewNotifier(profiles auth.ProfileStore, mailer Mailer, logger *slog.Logger) *Notifier {
	return &Notifier{
		profiles: profiles,
		mailer:   mailer,
		logger:   logger,
	}
}

// Publish accepts OrderConfirmedEvent directly so the notifier can replace
// the Kafka publisher when fulfillment runs in-process.
func (n *Notifier) Publish(ctx context.Context, _ string, event any) error {
	e, ok := event.(domain.OrderConfirmedEvent)
	if !ok {
		return errors.Errorf("unsupported event %T", event)
	}
	return n.OrderConfirmed(ctx, e)
}

// HandleMessage is the Kafka consumer callback for order.confirmed.
func (n *Notifier) HandleMessage(ctx context.Context, payload []byte) error {
	var e domain.OrderConfirmedEvent
	if err := json.Unmarshal(payload, &e); err != nil || e.OrderID == "" {
		n.logger.Error("dropping malformed order confirmed event", "error", err, "payload", string(payload))
		return nil
	}
	return n.OrderConfirmed(ctx, e)
}

func (n *Notifier) OrderConfirmed(ctx context.Context, e domain.OrderConfirmedEvent) error {
	return n.send(ctx, e.BuyerID, e.OrderID, e.TotalAmount, e.Currency, StatusPaymentVerified)
}

// StatusChanged tells the buyer about a fulfillment status update. Only
// shipped, delivered and cancelled are worth an email.
func (n *Notifier) StatusChanged(ctx context.Context, order *domain.Order) error {
	switch order.Status {
	case domain.FulfillmentShipped, domain.FulfillmentDelivered, domain.FulfillmentCancelled:
	default:
		return nil
	}
	return n.send(ctx, order.BuyerID, order.ID, order.TotalAmount, order.Currency, string(order.Status))
}

func (n *Notifier) send(ctx context.Context, buyerID, orderID string, total decimal.Decimal, currency, status string) error {
	profile, err := n.profiles.GetProfile(ctx, buyerID)
	if err != nil {
		if errors.Is(err, auth.ErrProfileNotFound) {
			n.logger.Warn("no profile for buyer, skipping email", "buyer_id", buyerID, "order_id", orderID)
			return nil
		}
		return errors.Wrap(err, "load buyer profile")
	}
	if profile.Email == "" {
		n.logger.Warn("buyer has no email, skipping", "buyer_id", buyerID, "order_id", orderID)
		return nil
	}

	subject, text, html := render(orderID, total, currency, status)
	if err := n.mailer.Send(ctx, Message{
		ToEmail: profile.Email,
		ToName:  profile.FullName,
		Subject: subject,
		Text:    text,
		HTML:    html,
	}); err != nil {
		return errors.Wrapf(err, "email order %s", orderID)
	}

	n.logger.Info("order email sent", "order_id", orderID, "status", status, "buyer_id", buyerID)
	return nil
}
