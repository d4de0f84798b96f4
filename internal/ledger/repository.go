// Package ledger stores PendingOrders and enforces their status transitions.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"

	"github.com/joao-fontenele/storefront-fulfillment/internal/database"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

var (
	ErrNotFound          = errors.New("pending order not found")
	ErrDuplicate         = errors.New("pending order already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Repository struct {
	db database.DBTX
}

func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a Repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

const pendingColumns = `payment_id, buyer_id, correlation_token, address, city, postal_code,
		line_items, total_amount, currency, payment_url, status, gateway_response,
		created_at, updated_at, expires_at`

func (r *Repository) Create(ctx context.Context, p *domain.PendingOrder) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	if p.Status == 0 {
		p.Status = domain.PaymentAwaiting
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_orders (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, $14)
	`, p.PaymentID, p.BuyerID, p.CorrelationToken, p.Shipping.Address, p.Shipping.City, p.Shipping.PostalCode,
		p.LineItems, p.TotalAmount, p.Currency, p.PaymentURL, p.Status, nullJSON(p.GatewayResponse),
		p.CreatedAt, p.ExpiresAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "insert pending order")
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, paymentID string) (*domain.PendingOrder, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_orders
		WHERE payment_id = $1
	`, paymentID)

	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get pending order")
	}
	return p, nil
}

// GetForBuyer returns the pending order only if it belongs to buyerID.
func (r *Repository) GetForBuyer(ctx context.Context, paymentID, buyerID string) (*domain.PendingOrder, error) {
	p, err := r.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.BuyerID != buyerID {
		return nil, ErrNotFound
	}
	return p, nil
}

// Transition moves paymentID from one status to another only if the row is
// still in from. It reports false when another writer got there first. A nil
// response leaves the stored gateway response untouched.
func (r *Repository) Transition(ctx context.Context, paymentID string, from, to domain.PaymentStatus, response json.RawMessage) (bool, error) {
	if !from.CanTransition(to) {
		return false, errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET status = $3,
		    gateway_response = COALESCE($4::jsonb, gateway_response),
		    updated_at = NOW()
		WHERE payment_id = $1 AND status = $2
	`, paymentID, from, to, nullJSON(response))
	if err != nil {
		return false, errors.Wrap(err, "update pending order status")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// ListStale returns orders sitting in status whose reference time is older
// than before. For processing the reference is updated_at, for
// awaiting_payment it is expires_at.
func (r *Repository) ListStale(ctx context.Context, status domain.PaymentStatus, before time.Time, limit int) ([]domain.PendingOrder, error) {
	column := "updated_at"
	if status == domain.PaymentAwaiting {
		column = "expires_at"
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_orders
		WHERE status = $1 AND `+column+` < $2
		ORDER BY `+column+`
		LIMIT $3
	`, status, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stale pending orders")
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PendingOrder
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListReleased returns awaiting_payment orders that already went through
// processing and were put back, last touched before the given time. Create
// writes created_at and updated_at together, so any later transition makes
// them differ.
func (r *Repository) ListReleased(ctx context.Context, before time.Time, limit int) ([]domain.PendingOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_orders
		WHERE status = $1 AND updated_at <> created_at AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, domain.PaymentAwaiting, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list released pending orders")
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PendingOrder
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(s scanner) (*domain.PendingOrder, error) {
	var (
		p        domain.PendingOrder
		response []byte
	)
	err := s.Scan(&p.PaymentID, &p.BuyerID, &p.CorrelationToken,
		&p.Shipping.Address, &p.Shipping.City, &p.Shipping.PostalCode,
		&p.LineItems, &p.TotalAmount, &p.Currency, &p.PaymentURL, &p.Status, &response,
		&p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(response) > 0 {
		p.GatewayResponse = response
	}
	return &p, nil
}

// nullJSON passes JSON as text; lib/pq would send []byte as bytea.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
