package orders

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-faster/errors"

	"github.com/joao-fontenele/storefront-fulfillment/internal/auth"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

// Store is the subset of OrderRepository the HTTP handlers need.
type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context) ([]domain.Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.FulfillmentStatus) (*domain.Order, error)
}

var _ Store = (*OrderRepository)(nil)

// StatusNotifier is told about every fulfillment status change.
type StatusNotifier interface {
	StatusChanged(ctx context.Context, order *domain.Order) error
}

type Handler struct {
	repo     Store
	notifier StatusNotifier
	logger   *slog.Logger
	inflight sync.WaitGroup
}

type HandlerOption func(*Handler)

func WithStatusNotifier(n StatusNotifier) HandlerOption {
	return func(h *Handler) {
		h.notifier = n
	}
}

func NewHandler(repo Store, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		repo:   repo,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait blocks until pending status notifications have been sent.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// HandleListMine lists the caller's orders.
func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	orders, err := h.repo.ListByBuyer(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err, "buyer_id", user.ID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

// HandleGet returns one order. Buyers only see their own; admins see any.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	order, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order.BuyerID != user.ID && !user.IsAdmin {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status domain.FulfillmentStatus `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	order, err := h.repo.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("failed to update order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order status updated", "order_id", order.ID, "status", order.Status)
	if h.notifier != nil {
		ctx := context.WithoutCancel(r.Context())
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			if err := h.notifier.StatusChanged(ctx, order); err != nil {
				h.logger.Error("failed to notify buyer", "error", err, "order_id", order.ID)
			}
		}()
	}
	h.writeJSON(w, http.StatusOK, order)
}

// HandleList lists every order for the admin dashboard.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	orders, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
