package fulfillment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-faster/errors"

	"github.com/joao-fontenele/storefront-fulfillment/internal/database"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/inventory"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
	"github.com/joao-fontenele/storefront-fulfillment/internal/orders"
	"github.com/joao-fontenele/storefront-fulfillment/internal/retry"
)

// Step names the part of a commit that failed.
type Step string

const (
	StepInventory Step = "inventory"
	StepOrder     Step = "order"
	StepFinalize  Step = "finalize"
)

// ErrClaimLost means the pending order left processing while this worker
// held it, so the commit was abandoned.
var ErrClaimLost = errors.New("processing claim lost")

type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Committer applies a verified payment: stock deduction, order creation and
// the processing -> payment_verified transition succeed or fail together.
type Committer interface {
	Commit(ctx context.Context, p *domain.PendingOrder, response json.RawMessage) (*domain.Order, error)
}

// DefaultStockPolicy bounds compare-and-swap retries on a single product.
var DefaultStockPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
	Jitter:      0.3,
}

// TxCommitter runs the commit in one Postgres transaction.
type TxCommitter struct {
	db          *sql.DB
	inventory   *inventory.InventoryRepository
	orders      *orders.OrderRepository
	ledger      *ledger.Repository
	stockPolicy retry.Policy
	logger      *slog.Logger
}

var _ Committer = (*TxCommitter)(nil)

func NewTxCommitter(db *sql.DB, stockPolicy retry.Policy, logger *slog.Logger) *TxCommitter {
	return &TxCommitter{
		db:          db,
		inventory:   inventory.NewInventoryRepository(db),
		orders:      orders.NewOrderRepository(db),
		ledger:      ledger.NewRepository(db),
		stockPolicy: stockPolicy.Or(DefaultStockPolicy),
		logger:      logger,
	}
}

func (c *TxCommitter) Commit(ctx context.Context, p *domain.PendingOrder, response json.RawMessage) (*domain.Order, error) {
	var order *domain.Order

	err := database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		shortfall, err := c.deductStock(ctx, c.inventory.WithTx(tx), p)
		if err != nil {
			return &StepError{Step: StepInventory, Err: err}
		}

		order = newOrder(p, shortfall)
		if err := c.orders.WithTx(tx).Create(ctx, order); err != nil {
			return &StepError{Step: StepOrder, Err: err}
		}

		ok, err := c.ledger.WithTx(tx).Transition(ctx, p.PaymentID, domain.PaymentProcessing, domain.PaymentVerified, response)
		if err != nil {
			return &StepError{Step: StepFinalize, Err: err}
		}
		if !ok {
			return &StepError{Step: StepFinalize, Err: ErrClaimLost}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// deductStock walks products in id order so concurrent commits lock rows in
// the same sequence.
func (c *TxCommitter) deductStock(ctx context.Context, inv *inventory.InventoryRepository, p *domain.PendingOrder) ([]domain.StockShortfall, error) {
	var shortfall []domain.StockShortfall

	for _, item := range p.LineItems.Counts() {
		deducted, err := inv.DecrementFloor(ctx, item.ProductID, item.Quantity, c.stockPolicy)
		if err != nil {
			if !errors.Is(err, inventory.ErrNotFound) {
				return nil, err
			}
			c.logger.Warn("ordered product no longer exists", "payment_id", p.PaymentID, "product_id", item.ProductID)
			deducted = 0
		}
		if deducted < item.Quantity {
			shortfall = append(shortfall, domain.StockShortfall{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Deducted:  deducted,
			})
		}
	}

	return shortfall, nil
}

func newOrder(p *domain.PendingOrder, shortfall []domain.StockShortfall) *domain.Order {
	return &domain.Order{
		PaymentID:   p.PaymentID,
		BuyerID:     p.BuyerID,
		Shipping:    p.Shipping,
		LineItems:   append(domain.LineItems(nil), p.LineItems...),
		TotalAmount: p.TotalAmount,
		Currency:    p.Currency,
		Status:      domain.FulfillmentPending,
		Shortfall:   shortfall,
		CreatedAt:   time.Now().UTC(),
	}
}
