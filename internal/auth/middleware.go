package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
)

type Middleware struct {
	verifier TokenVerifier
	profiles ProfileStore
	logger   *slog.Logger
}

func NewMiddleware(verifier TokenVerifier, profiles ProfileStore, logger *slog.Logger) *Middleware {
	return &Middleware{
		verifier: verifier,
		profiles: profiles,
		logger:   logger,
	}
}

// RequireUser rejects requests without a valid bearer token and stores the
// caller in the request context.
func (m *Middleware) RequireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := m.verifier.VerifyToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			m.logger.Error("failed to verify token", "error", err)
			writeError(w, http.StatusBadGateway, "identity provider unavailable")
			return
		}

		profile, err := m.profiles.GetProfile(r.Context(), user.ID)
		switch {
		case err == nil:
			user.IsAdmin = profile.IsAdmin
		case errors.Is(err, ErrProfileNotFound):
			user.IsAdmin = false
		default:
			m.logger.Error("failed to load profile", "error", err, "user_id", user.ID)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		next(w, r.WithContext(WithUser(r.Context(), *user)))
	}
}

// RequireAdmin is RequireUser plus an is_admin check.
func (m *Middleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireUser(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
