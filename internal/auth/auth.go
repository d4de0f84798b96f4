// Package auth resolves the caller of an HTTP request against the hosted
// identity provider and the profiles table.
package auth

import (
	"context"

	"github.com/go-faster/errors"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrProfileNotFound = errors.New("profile not found")
)

type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	IsAdmin  bool   `json:"is_admin"`
}

// TokenVerifier turns a bearer token into the identity it was issued for.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*User, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

type userKey struct{}

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}
