package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PendingOrder. The zero value is
// not a valid status; every stored row carries one of the constants below.
type PaymentStatus uint8

const (
	PaymentAwaiting PaymentStatus = iota + 1
	PaymentProcessing
	PaymentVerified
	PaymentFailed
	PaymentError
)

// PaymentStatuses lists every valid status in lifecycle order.
func PaymentStatuses() []PaymentStatus {
	return []PaymentStatus{PaymentAwaiting, PaymentProcessing, PaymentVerified, PaymentFailed, PaymentError}
}

func (s PaymentStatus) String() string {
	switch s {
	case PaymentAwaiting:
		return "awaiting_payment"
	case PaymentProcessing:
		return "processing"
	case PaymentVerified:
		return "payment_verified"
	case PaymentFailed:
		return "failed"
	case PaymentError:
		return "error"
	default:
		return fmt.Sprintf("PaymentStatus(%d)", uint8(s))
	}
}

func (s PaymentStatus) Valid() bool {
	return s >= PaymentAwaiting && s <= PaymentError
}

// Terminal reports whether normal processing must never move the order out
// of this status.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentVerified, PaymentFailed, PaymentError:
		return true
	case PaymentAwaiting, PaymentProcessing:
		return false
	default:
		panic(fmt.Sprintf("domain: unknown payment status %d", uint8(s)))
	}
}

// CanTransition reports whether moving from s to next is an edge of the
// pending-order state machine.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	switch s {
	case PaymentAwaiting:
		return next == PaymentProcessing
	case PaymentProcessing:
		switch next {
		case PaymentVerified, PaymentFailed, PaymentAwaiting, PaymentError:
			return true
		}
		return false
	case PaymentVerified, PaymentFailed, PaymentError:
		return false
	default:
		panic(fmt.Sprintf("domain: unknown payment status %d", uint8(s)))
	}
}

func ParsePaymentStatus(v string) (PaymentStatus, error) {
	for _, s := range PaymentStatuses() {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown payment status %q", v)
}

func (s PaymentStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid payment status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *PaymentStatus) UnmarshalText(text []byte) error {
	parsed, err := ParsePaymentStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s PaymentStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid payment status %d", uint8(s))
	}
	return s.String(), nil
}

func (s *PaymentStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into PaymentStatus", src)
	}
}

type ShippingInfo struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
}

// PendingOrder records a checkout between charge-page creation and the
// confirmed payment. It is keyed by the gateway's payment id.
type PendingOrder struct {
	PaymentID        string          `json:"payment_id"`
	BuyerID          string          `json:"buyer_id"`
	CorrelationToken string          `json:"correlation_token"`
	Shipping         ShippingInfo    `json:"shipping"`
	LineItems        LineItems       `json:"line_items"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency"`
	PaymentURL       string          `json:"payment_url"`
	Status           PaymentStatus   `json:"status"`
	GatewayResponse  json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}
