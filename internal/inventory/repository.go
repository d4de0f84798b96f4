package inventory

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/lib/pq"

	"github.com/joao-fontenele/storefront-fulfillment/internal/database"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/retry"
)

var (
	ErrNotFound = errors.New("product not found")
	// ErrConflict means the quantity changed between read and write.
	ErrConflict = errors.New("stock changed concurrently")
)

type InventoryRepository struct {
	db database.DBTX
}

func NewInventoryRepository(db database.DBTX) *InventoryRepository {
	return &InventoryRepository{db: db}
}

func (r *InventoryRepository) WithTx(tx *sql.Tx) *InventoryRepository {
	return &InventoryRepository{db: tx}
}

func (r *InventoryRepository) ListAll(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, price, available_quantity
		FROM products
		ORDER BY id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer func() { _ = rows.Close() }()

	items := []domain.Product{}
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.AvailableQuantity); err != nil {
			return nil, err
		}
		items = append(items, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (*domain.Product, error) {
	p := &domain.Product{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, price, available_quantity
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.Price, &p.AvailableQuantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get product")
	}

	return p, nil
}

// GetMany returns the products found among ids keyed by id. Missing ids are
// simply absent from the map.
func (r *InventoryRepository) GetMany(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, price, available_quantity
		FROM products
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.AvailableQuantity); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}

	return out, rows.Err()
}

// CompareAndSwap sets the available quantity to next only if it still equals
// expected.
func (r *InventoryRepository) CompareAndSwap(ctx context.Context, productID string, expected, next int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE products
		SET available_quantity = $3, updated_at = NOW()
		WHERE id = $1 AND available_quantity = $2
	`, productID, expected, next)
	if err != nil {
		return errors.Wrap(err, "update product quantity")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrConflict
	}

	return nil
}

// DecrementFloor removes up to quantity units of productID, never going below
// zero, and returns how many units were actually removed. Concurrent writers
// are handled by re-reading and retrying under policy.
func (r *InventoryRepository) DecrementFloor(ctx context.Context, productID string, quantity int, policy retry.Policy) (int, error) {
	return retry.Do(ctx, policy, func(ctx context.Context) (int, error) {
		p, err := r.Get(ctx, productID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return 0, retry.Permanent(err)
			}
			return 0, err
		}

		next := max(p.AvailableQuantity-quantity, 0)
		if err := r.CompareAndSwap(ctx, productID, p.AvailableQuantity, next); err != nil {
			return 0, err
		}
		return p.AvailableQuantity - next, nil
	}, nil)
}

// Restock adds quantity units to productID.
func (r *InventoryRepository) Restock(ctx context.Context, productID string, quantity int) (*domain.Product, error) {
	p := &domain.Product{}

	err := r.db.QueryRowContext(ctx, `
		UPDATE products
		SET available_quantity = available_quantity + $2, updated_at = $3
		WHERE id = $1
		RETURNING id, name, price, available_quantity
	`, productID, quantity, time.Now().UTC()).Scan(&p.ID, &p.Name, &p.Price, &p.AvailableQuantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "restock product")
	}

	return p, nil
}
