package fulfillment

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
)

type StaleLedger interface {
	ListStale(ctx context.Context, status domain.PaymentStatus, before time.Time, limit int) ([]domain.PendingOrder, error)
	ListReleased(ctx context.Context, before time.Time, limit int) ([]domain.PendingOrder, error)
	Transition(ctx context.Context, paymentID string, from, to domain.PaymentStatus, response json.RawMessage) (bool, error)
}

var _ StaleLedger = (*ledger.Repository)(nil)

type ReconcilerConfig struct {
	Interval   time.Duration `default:"1m" usage:"How often to look for stuck payments"`
	StaleAfter time.Duration `default:"5m" usage:"Age after which a processing payment is considered abandoned"`
	RetryAfter time.Duration `default:"1m" usage:"Delay before a payment rolled back to awaiting_payment is retried"`
	BatchSize  int           `default:"100" usage:"Maximum payments re-dispatched per status per pass"`
}

// Reconciler recovers payments whose notification was lost: orders abandoned
// in processing by a crashed worker, paid orders rolled back to
// awaiting_payment after an inventory failure, and checkouts that expired
// without any webhook.
type Reconciler struct {
	ledger     StaleLedger
	dispatcher Dispatcher
	cfg        ReconcilerConfig
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics
}

func NewReconciler(l StaleLedger, d Dispatcher, cfg ReconcilerConfig, logger *slog.Logger) (*Reconciler, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		ledger:     l,
		dispatcher: d,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
		metrics:    m,
	}, nil
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass and returns how many payments it
// re-dispatched.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	dispatched := 0
	seen := make(map[string]bool)

	stuck, err := r.ledger.ListStale(ctx, domain.PaymentProcessing, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return dispatched, err
	}
	for _, p := range stuck {
		seen[p.PaymentID] = true
		ok, err := r.ledger.Transition(ctx, p.PaymentID, domain.PaymentProcessing, domain.PaymentAwaiting, nil)
		if err != nil {
			r.logger.Error("failed to release stuck payment", "payment_id", p.PaymentID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		r.logger.Warn("released payment stuck in processing", "payment_id", p.PaymentID, "since", p.UpdatedAt)
		if r.dispatch(ctx, p, "stuck") {
			dispatched++
		}
	}

	released, err := r.ledger.ListReleased(ctx, now.Add(-r.cfg.RetryAfter), r.cfg.BatchSize)
	if err != nil {
		return dispatched, err
	}
	for _, p := range released {
		if seen[p.PaymentID] {
			continue
		}
		seen[p.PaymentID] = true
		if r.dispatch(ctx, p, "released") {
			dispatched++
		}
	}

	expired, err := r.ledger.ListStale(ctx, domain.PaymentAwaiting, now, r.cfg.BatchSize)
	if err != nil {
		return dispatched, err
	}
	for _, p := range expired {
		if seen[p.PaymentID] {
			continue
		}
		if r.dispatch(ctx, p, "expired") {
			dispatched++
		}
	}

	return dispatched, nil
}

func (r *Reconciler) dispatch(ctx context.Context, p domain.PendingOrder, reason string) bool {
	err := r.dispatcher.Dispatch(ctx, domain.PaymentNotifiedEvent{
		PaymentID:        p.PaymentID,
		CorrelationToken: p.CorrelationToken,
		Source:           domain.SourceReconciler,
		Timestamp:        r.now().UTC(),
	})
	if err != nil {
		r.logger.Error("failed to re-dispatch payment", "payment_id", p.PaymentID, "reason", reason, "error", err)
		return false
	}
	r.metrics.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return true
}
