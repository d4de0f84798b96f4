// Package checkout opens a hosted payment page for a cart and records the
// pending order that the payment webhook will later confirm.
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-fulfillment/internal/auth"
	"github.com/joao-fontenele/storefront-fulfillment/internal/cardcom"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/inventory"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
)

var (
	ErrEmptyCart      = errors.New("cart is empty")
	ErrInvalidTotal   = errors.New("total must be positive")
	ErrUnknownProduct = errors.New("unknown product")
	// ErrGateway wraps every failure to obtain a payment page.
	ErrGateway = errors.New("payment gateway unavailable")
)

// StockError reports a product that cannot cover the requested quantity.
// The check is advisory; stock is only deducted once payment is confirmed.
type StockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	if e.Available <= 0 {
		return fmt.Sprintf("product %q is out of stock", e.Name)
	}
	return fmt.Sprintf("product %q: requested %d, only %d in stock", e.Name, e.Requested, e.Available)
}

type Inventory interface {
	GetMany(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type Gateway interface {
	CreatePaymentPage(ctx context.Context, req cardcom.CreateRequest) (*cardcom.CreateResult, error)
}

type Ledger interface {
	Create(ctx context.Context, p *domain.PendingOrder) error
}

var (
	_ Inventory         = (*inventory.InventoryRepository)(nil)
	_ Gateway           = (*cardcom.Client)(nil)
	_ Ledger            = (*ledger.Repository)(nil)
	_ auth.ProfileStore = (*auth.ProfileRepository)(nil)
)

type Config struct {
	FrontendURL string        `default:"http://localhost:5173" usage:"Storefront URL used for payment redirects"`
	WebhookURL  string        `usage:"Public URL of POST /payments/webhook"`
	Currency    string        `default:"ILS" usage:"Currency recorded on pending orders"`
	TTL         time.Duration `default:"30m" usage:"How long a payment page stays open before reconciliation"`
}

type Request struct {
	BuyerID   string
	LineItems domain.LineItems
	Shipping  domain.ShippingInfo
	Total     decimal.Decimal
}

type Result struct {
	PaymentID  string    `json:"payment_id"`
	PaymentURL string    `json:"payment_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type Initiator struct {
	inventory Inventory
	profiles  auth.ProfileStore
	gateway   Gateway
	ledger    Ledger
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

func NewInitiator(inv Inventory, profiles auth.ProfileStore, gw Gateway, l Ledger, cfg Config, logger *slog.Logger) *Initiator {
	return &Initiator{
		inventory: inv,
		profiles:  profiles,
		gateway:   gw,
		ledger:    l,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

func (i *Initiator) Initiate(ctx context.Context, req Request) (*Result, error) {
	if len(req.LineItems) == 0 {
		return nil, ErrEmptyCart
	}
	if !req.Total.IsPositive() {
		return nil, ErrInvalidTotal
	}

	if err := i.checkStock(ctx, req.LineItems); err != nil {
		return nil, err
	}

	owner, err := i.cardOwner(ctx, req.BuyerID)
	if err != nil {
		return nil, err
	}

	now := i.now()
	frontend := strings.TrimRight(i.cfg.FrontendURL, "/")
	correlation := fmt.Sprintf("ORDER-%s-%d", shortID(req.BuyerID), now.UnixMilli())

	page, err := i.gateway.CreatePaymentPage(ctx, cardcom.CreateRequest{
		Amount:      req.Total,
		ReturnValue: correlation,
		ProductName: fmt.Sprintf("Order - %d items", len(req.LineItems)),
		SuccessURL:  frontend + "/order-success",
		FailedURL:   frontend + "/order-failed",
		WebhookURL:  i.cfg.WebhookURL,
		CardOwner:   owner,
	})
	if err != nil {
		i.logger.Error("failed to create payment page", "error", err, "buyer_id", req.BuyerID)
		return nil, errors.Wrap(errors.Join(ErrGateway, err), "create payment page")
	}

	pending := &domain.PendingOrder{
		PaymentID:        page.PaymentID,
		BuyerID:          req.BuyerID,
		CorrelationToken: correlation,
		Shipping:         req.Shipping,
		LineItems:        req.LineItems,
		TotalAmount:      req.Total,
		Currency:         i.cfg.Currency,
		PaymentURL:       page.URL,
		Status:           domain.PaymentAwaiting,
		GatewayResponse:  page.Raw,
		CreatedAt:        now.UTC(),
		ExpiresAt:        now.Add(i.cfg.TTL).UTC(),
	}
	if err := i.ledger.Create(ctx, pending); err != nil {
		return nil, errors.Wrap(err, "record pending order")
	}

	i.logger.Info("checkout initiated", "payment_id", pending.PaymentID, "buyer_id", req.BuyerID,
		"items", len(req.LineItems), "total", req.Total.String())

	return &Result{PaymentID: pending.PaymentID, PaymentURL: pending.PaymentURL, ExpiresAt: pending.ExpiresAt}, nil
}

func (i *Initiator) checkStock(ctx context.Context, items domain.LineItems) error {
	counts := items.Counts()
	ids := make([]string, len(counts))
	for n, c := range counts {
		ids[n] = c.ProductID
	}

	products, err := i.inventory.GetMany(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load products")
	}

	for _, c := range counts {
		p, ok := products[c.ProductID]
		if !ok {
			return errors.Wrapf(ErrUnknownProduct, "product %s", c.ProductID)
		}
		if p.AvailableQuantity < c.Quantity {
			return &StockError{ProductID: p.ID, Name: p.Name, Requested: c.Quantity, Available: p.AvailableQuantity}
		}
	}
	return nil
}

func (i *Initiator) cardOwner(ctx context.Context, buyerID string) (cardcom.CardOwner, error) {
	profile, err := i.profiles.GetProfile(ctx, buyerID)
	if err != nil {
		if errors.Is(err, auth.ErrProfileNotFound) {
			return cardcom.CardOwner{}, nil
		}
		return cardcom.CardOwner{}, errors.Wrap(err, "load buyer profile")
	}
	return cardcom.CardOwner{Name: profile.FullName, Email: profile.Email, Phone: profile.Phone}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
