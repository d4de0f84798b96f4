package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)

func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentPending, FulfillmentProcessing, FulfillmentShipped, FulfillmentDelivered, FulfillmentCancelled:
		return true
	}
	return false
}

// LineItems is the flat list of product ids a buyer checked out, one entry
// per unit.
type LineItems []string

type LineItemCount struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Counts collapses the list into per-product quantities ordered by product id.
func (l LineItems) Counts() []LineItemCount {
	counts := make(map[string]int, len(l))
	for _, id := range l {
		counts[id]++
	}

	out := make([]LineItemCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, LineItemCount{ProductID: id, Quantity: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (l LineItems) Value() (driver.Value, error) {
	if l == nil {
		l = LineItems{}
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *LineItems) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into LineItems", src)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*l = ids
	return nil
}

// StockShortfall records units that were confirmed but could not be deducted
// because the product was already out of stock.
type StockShortfall struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Deducted  int    `json:"deducted"`
}

type Order struct {
	ID          string            `json:"id"`
	PaymentID   string            `json:"payment_id"`
	BuyerID     string            `json:"buyer_id"`
	Shipping    ShippingInfo      `json:"shipping"`
	LineItems   LineItems         `json:"line_items"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Currency    string            `json:"currency"`
	Status      FulfillmentStatus `json:"status"`
	Shortfall   []StockShortfall  `json:"shortfall,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
