package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-fulfillment/internal/database"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrDuplicate means an order already exists for the payment.
	ErrDuplicate = errors.New("order already exists for payment")
)

type OrderRepository struct {
	db database.DBTX
}

func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) WithTx(tx *sql.Tx) *OrderRepository {
	return &OrderRepository{db: tx}
}

const orderColumns = `id, payment_id, buyer_id, address, city, postal_code, line_items,
		total_amount, currency, status, stock_shortfall, created_at, updated_at`

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	order.ID = uuid.New().String()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt
	if order.Status == "" {
		order.Status = domain.FulfillmentPending
	}

	var shortfall any
	if len(order.Shortfall) > 0 {
		data, err := json.Marshal(order.Shortfall)
		if err != nil {
			return err
		}
		shortfall = string(data)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, order.ID, order.PaymentID, order.BuyerID, order.Shipping.Address, order.Shipping.City, order.Shipping.PostalCode,
		order.LineItems, order.TotalAmount, order.Currency, order.Status, shortfall, order.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "insert order")
	}

	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *OrderRepository) GetByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE payment_id = $1`, paymentID)
}

func (r *OrderRepository) getOne(ctx context.Context, where string, arg any) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, arg)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	return order, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status domain.FulfillmentStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return nil, errors.Wrap(err, "update order status")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return r.GetByID(ctx, id)
}

// List returns every order, newest first.
func (r *OrderRepository) List(ctx context.Context) ([]domain.Order, error) {
	return r.list(ctx, `ORDER BY created_at DESC`)
}

// ListByBuyer returns the buyer's orders, newest first.
func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return r.list(ctx, `WHERE buyer_id = $1 ORDER BY created_at DESC`, buyerID)
}

func (r *OrderRepository) list(ctx context.Context, tail string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+tail, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*domain.Order, error) {
	var (
		order     domain.Order
		shortfall []byte
	)
	err := s.Scan(&order.ID, &order.PaymentID, &order.BuyerID,
		&order.Shipping.Address, &order.Shipping.City, &order.Shipping.PostalCode,
		&order.LineItems, &order.TotalAmount, &order.Currency, &order.Status, &shortfall,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(shortfall) > 0 {
		if err := json.Unmarshal(shortfall, &order.Shortfall); err != nil {
			return nil, errors.Wrap(err, "decode stock shortfall")
		}
	}
	return &order, nil
}
