// Package payments exposes checkout, the gateway webhook and payment status
// over HTTP.
package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-fulfillment/internal/auth"
	"github.com/joao-fontenele/storefront-fulfillment/internal/checkout"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
)

type Initiator interface {
	Initiate(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

type Ledger interface {
	Get(ctx context.Context, paymentID string) (*domain.PendingOrder, error)
	GetForBuyer(ctx context.Context, paymentID, buyerID string) (*domain.PendingOrder, error)
}

var (
	_ Initiator = (*checkout.Initiator)(nil)
	_ Ledger    = (*ledger.Repository)(nil)
)

type Handler struct {
	initiator  Initiator
	ledger     Ledger
	dispatcher fulfillment.Dispatcher
	processor  fulfillment.Processor
	logger     *slog.Logger

	webhooks metric.Int64Counter
	inflight sync.WaitGroup
}

func NewHandler(i Initiator, l Ledger, d fulfillment.Dispatcher, p fulfillment.Processor, logger *slog.Logger) (*Handler, error) {
	webhooks, err := otel.Meter("payments").Int64Counter("payments.webhooks",
		metric.WithDescription("Gateway webhook deliveries by acknowledgment status"))
	if err != nil {
		return nil, err
	}

	return &Handler{
		initiator:  i,
		ledger:     l,
		dispatcher: d,
		processor:  p,
		logger:     logger,
		webhooks:   webhooks,
	}, nil
}

// Wait blocks until every webhook hand-off started by this handler has
// returned. Used during shutdown.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

type initiateRequest struct {
	Address     string `json:"address"`
	City        string `json:"city"`
	PostalCode  string `json:"postal_code"`
	ProductsArr struct {
		ProductsIDs []string `json:"products_ids"`
	} `json:"products_arr"`
	Price decimal.Decimal `json:"price"`
}

type initiateResponse struct {
	OK         bool      `json:"ok"`
	PaymentURL string    `json:"payment_url"`
	PaymentID  string    `json:"payment_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.initiator.Initiate(r.Context(), checkout.Request{
		BuyerID:   user.ID,
		LineItems: domain.LineItems(req.ProductsArr.ProductsIDs),
		Shipping:  domain.ShippingInfo{Address: req.Address, City: req.City, PostalCode: req.PostalCode},
		Total:     req.Price,
	})
	if err != nil {
		var stockErr *checkout.StockError
		switch {
		case errors.As(err, &stockErr):
			h.writeError(w, http.StatusBadRequest, stockErr.Error())
		case errors.Is(err, checkout.ErrEmptyCart), errors.Is(err, checkout.ErrInvalidTotal), errors.Is(err, checkout.ErrUnknownProduct):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, checkout.ErrGateway):
			h.writeError(w, http.StatusBadGateway, "payment provider unavailable")
		default:
			h.logger.Error("failed to initiate payment", "error", err, "buyer_id", user.ID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, initiateResponse{
		OK:         true,
		PaymentURL: res.PaymentURL,
		PaymentID:  res.PaymentID,
		ExpiresAt:  res.ExpiresAt,
	})
}

// webhookPayload accepts CardCom's field names and the lower-case variants
// some terminals are configured to send.
type webhookPayload struct {
	LowProfileID string `json:"LowProfileId"`
	ReturnValue  string `json:"ReturnValue"`
	PaymentID    string `json:"paymentId"`
	Correlation  string `json:"correlationToken"`
}

func (p webhookPayload) paymentID() string {
	if p.LowProfileID != "" {
		return p.LowProfileID
	}
	return p.PaymentID
}

func (p webhookPayload) correlation() string {
	if p.ReturnValue != "" {
		return p.ReturnValue
	}
	return p.Correlation
}

type webhookAck struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// HandleWebhook acknowledges every delivery with 200 and hands the payment to
// the dispatcher in the background. Outcomes are only visible via status.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeWebhook(r)
	if err != nil || payload.paymentID() == "" {
		h.logger.Warn("ignoring webhook without payment id", "error", err)
		h.webhooks.Add(r.Context(), 1, metric.WithAttributes(attribute.String("status", "ignored")))
		h.writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "ignored"})
		return
	}

	event := domain.PaymentNotifiedEvent{
		PaymentID:        payload.paymentID(),
		CorrelationToken: payload.correlation(),
		Source:           domain.SourceWebhook,
		Timestamp:        time.Now().UTC(),
	}

	ctx := context.WithoutCancel(r.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if err := h.dispatcher.Dispatch(ctx, event); err != nil {
			h.logger.Error("failed to dispatch payment notification", "error", err, "payment_id", event.PaymentID)
		}
	}()

	h.logger.Info("webhook received", "payment_id", event.PaymentID, "correlation_token", event.CorrelationToken)
	h.webhooks.Add(r.Context(), 1, metric.WithAttributes(attribute.String("status", "ok")))
	h.writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "ok"})
}

func decodeWebhook(r *http.Request) (webhookPayload, error) {
	var p webhookPayload
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return p, errors.Wrap(err, "parse form")
		}
		p.LowProfileID = r.PostForm.Get("LowProfileId")
		p.ReturnValue = r.PostForm.Get("ReturnValue")
		p.PaymentID = r.PostForm.Get("paymentId")
		p.Correlation = r.PostForm.Get("correlationToken")
		return p, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return p, errors.Wrap(err, "decode json")
	}
	return p, nil
}

type statusResponse struct {
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleStatus is polled by the storefront after the buyer returns from the
// hosted payment page.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	pending, ok := h.ownPending(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, statusResponse{
		PaymentID: pending.PaymentID,
		Status:    pending.Status.String(),
		CreatedAt: pending.CreatedAt,
		ExpiresAt: pending.ExpiresAt,
	})
}

type verifyResponse struct {
	PaymentID string              `json:"payment_id"`
	Status    string              `json:"status"`
	Outcome   fulfillment.Outcome `json:"outcome"`
}

// HandleVerify re-runs confirmation for the caller's own payment and waits for
// the result.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	pending, ok := h.ownPending(w, r)
	if !ok {
		return
	}
	h.verify(w, r, pending.PaymentID)
}

// HandleAdminVerify re-runs confirmation for any payment.
func (h *Handler) HandleAdminVerify(w http.ResponseWriter, r *http.Request) {
	paymentID := r.PathValue("paymentId")
	if paymentID == "" {
		h.writeError(w, http.StatusBadRequest, "missing payment id")
		return
	}
	h.verify(w, r, paymentID)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request, paymentID string) {
	outcome, err := h.processor.Process(r.Context(), paymentID)
	if err != nil {
		h.logger.Error("manual verification failed", "error", err, "payment_id", paymentID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if outcome == fulfillment.OutcomeNotFound {
		h.writeError(w, http.StatusNotFound, "payment not found")
		return
	}

	pending, err := h.ledger.Get(r.Context(), paymentID)
	if err != nil {
		h.logger.Error("failed to reload pending order", "error", err, "payment_id", paymentID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("manual verification finished", "payment_id", paymentID, "outcome", outcome, "status", pending.Status)
	h.writeJSON(w, http.StatusOK, verifyResponse{
		PaymentID: paymentID,
		Status:    pending.Status.String(),
		Outcome:   outcome,
	})
}

func (h *Handler) ownPending(w http.ResponseWriter, r *http.Request) (*domain.PendingOrder, bool) {
	paymentID := r.PathValue("paymentId")
	if paymentID == "" {
		h.writeError(w, http.StatusBadRequest, "missing payment id")
		return nil, false
	}

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return nil, false
	}

	pending, err := h.ledger.GetForBuyer(r.Context(), paymentID, user.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "payment not found")
			return nil, false
		}
		h.logger.Error("failed to get pending order", "error", err, "payment_id", paymentID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return pending, true
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
