package auth

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"

	"github.com/joao-fontenele/storefront-fulfillment/internal/database"
)

type ProfileRepository struct {
	db database.DBTX
}

var _ ProfileStore = (*ProfileRepository)(nil)

func NewProfileRepository(db database.DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, full_name, email, phone, is_admin
		FROM profiles
		WHERE id = $1
	`, userID).Scan(&p.ID, &p.FullName, &p.Email, &p.Phone, &p.IsAdmin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, errors.Wrap(err, "get profile")
	}

	return p, nil
}
