package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type NotificationSource string

const (
	SourceWebhook    NotificationSource = "webhook"
	SourceManual     NotificationSource = "manual"
	SourceReconciler NotificationSource = "reconciler"
)

// PaymentNotifiedEvent asks the fulfillment side to confirm a payment.
type PaymentNotifiedEvent struct {
	PaymentID        string             `json:"payment_id"`
	CorrelationToken string             `json:"correlation_token,omitempty"`
	Source           NotificationSource `json:"source"`
	Timestamp        time.Time          `json:"timestamp"`
}

type OrderConfirmedEvent struct {
	OrderID     string          `json:"order_id"`
	PaymentID   string          `json:"payment_id"`
	BuyerID     string          `json:"buyer_id"`
	Items       []LineItemCount `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	Timestamp   time.Time       `json:"timestamp"`
}
