// Package fulfillment turns payment notifications into orders. Each payment
// is confirmed at most once no matter how many notifications arrive.
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront-fulfillment/internal/cardcom"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/guard"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
	"github.com/joao-fontenele/storefront-fulfillment/internal/orders"
	"github.com/joao-fontenele/storefront-fulfillment/internal/retry"
)

var tracer = otel.Tracer("fulfillment")

// Outcome describes what a single Process call did.
type Outcome string

const (
	OutcomeLocked        Outcome = "locked"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeAlreadyFinal  Outcome = "already_final"
	OutcomeInProgress    Outcome = "in_progress"
	OutcomeClaimLost     Outcome = "claim_lost"
	OutcomeVerified      Outcome = "verified"
	OutcomeDeclined      Outcome = "declined"
	OutcomeVerifyFailed  Outcome = "verify_failed"
	OutcomeRolledBack    Outcome = "rolled_back"
	OutcomeOrderFailed   Outcome = "order_failed"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeError         Outcome = "error"
)

type Ledger interface {
	Get(ctx context.Context, paymentID string) (*domain.PendingOrder, error)
	Transition(ctx context.Context, paymentID string, from, to domain.PaymentStatus, response json.RawMessage) (bool, error)
}

type Verifier interface {
	Verify(ctx context.Context, paymentID string) (*cardcom.VerifyResult, error)
}

// Publisher announces confirmed orders. messaging.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

var (
	_ Ledger   = (*ledger.Repository)(nil)
	_ Verifier = (*cardcom.Client)(nil)
)

// DefaultFetchPolicy covers a webhook that arrives before checkout finished
// recording the pending order.
var DefaultFetchPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	Jitter:      0.2,
}

type Service struct {
	guard       guard.Guard
	ledger      Ledger
	verifier    Verifier
	committer   Committer
	publisher   Publisher
	fetchPolicy retry.Policy
	logger      *slog.Logger
	metrics     *metrics
}

type Option func(*Service)

// WithPublisher announces every confirmed order through p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithFetchPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.fetchPolicy = p.Or(DefaultFetchPolicy)
	}
}

func NewService(g guard.Guard, l Ledger, v Verifier, c Committer, logger *slog.Logger, opts ...Option) (*Service, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}

	s := &Service{
		guard:       g,
		ledger:      l,
		verifier:    v,
		committer:   c,
		fetchPolicy: DefaultFetchPolicy,
		logger:      logger,
		metrics:     m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process confirms paymentID. It is safe to call any number of times and
// concurrently: only the caller that claims the pending order does any work.
// The returned error is reserved for storage failures that left the order
// untouched; every other problem is recorded on the pending order.
func (s *Service) Process(ctx context.Context, paymentID string) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "fulfillment.process",
		trace.WithAttributes(attribute.String("payment.id", paymentID)),
	)
	defer func() {
		span.SetAttributes(attribute.String("fulfillment.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}()

	// A panic before the claim leaves the pending order untouched and is
	// returned as an error. After the claim the order is marked for review.
	claimed := false
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic while processing payment", "payment_id", paymentID, "claimed", claimed, "panic", fmt.Sprint(p))
			if !claimed {
				outcome, err = OutcomeError, errors.Errorf("panic: %v", p)
				return
			}
			s.markError(context.WithoutCancel(ctx), paymentID, fmt.Errorf("panic: %v", p))
			outcome, err = OutcomeError, nil
		}
	}()

	token, held, err := s.guard.Acquire(ctx, paymentID)
	if err != nil {
		s.logger.Warn("lock unavailable, relying on status claim", "payment_id", paymentID, "error", err)
	} else if !held {
		s.logger.Info("payment already being processed", "payment_id", paymentID)
		return OutcomeLocked, nil
	}
	if held {
		defer func() {
			if err := s.guard.Release(context.WithoutCancel(ctx), paymentID, token); err != nil {
				s.logger.Warn("failed to release lock", "payment_id", paymentID, "error", err)
			}
		}()
	}

	pending, err := s.fetch(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logger.Error("pending order not found", "payment_id", paymentID)
			return OutcomeNotFound, nil
		}
		return OutcomeError, errors.Wrap(err, "fetch pending order")
	}

	switch {
	case pending.Status.Terminal():
		s.logger.Info("payment already resolved", "payment_id", paymentID, "status", pending.Status)
		return OutcomeAlreadyFinal, nil
	case pending.Status != domain.PaymentAwaiting:
		s.logger.Info("payment is being processed elsewhere", "payment_id", paymentID, "status", pending.Status)
		return OutcomeInProgress, nil
	}

	claimed, err = s.ledger.Transition(ctx, paymentID, domain.PaymentAwaiting, domain.PaymentProcessing, nil)
	if err != nil {
		return OutcomeError, errors.Wrap(err, "claim pending order")
	}
	if !claimed {
		s.logger.Info("claim rejected, another worker owns the payment", "payment_id", paymentID)
		return OutcomeClaimLost, nil
	}

	// From here on the order is ours and must not be left in processing, even
	// when the caller goes away.
	wctx := context.WithoutCancel(ctx)
	return s.confirm(wctx, pending), nil
}

func (s *Service) fetch(ctx context.Context, paymentID string) (*domain.PendingOrder, error) {
	return retry.Do(ctx, s.fetchPolicy, func(ctx context.Context) (*domain.PendingOrder, error) {
		return s.ledger.Get(ctx, paymentID)
	}, func(attempt uint, err error, next time.Duration) {
		s.logger.Info("pending order not readable yet", "payment_id", paymentID, "attempt", attempt, "retry_in", next, "error", err)
	})
}

func (s *Service) confirm(ctx context.Context, pending *domain.PendingOrder) Outcome {
	paymentID := pending.PaymentID

	result, err := s.verifier.Verify(ctx, paymentID)
	if err != nil {
		s.logger.Error("payment verification failed", "payment_id", paymentID, "error", err)
		s.transition(ctx, paymentID, domain.PaymentFailed, diagnostics(err))
		return OutcomeVerifyFailed
	}
	if !result.Approved {
		s.logger.Warn("payment declined", "payment_id", paymentID, "response_code", result.ResponseCode, "description", result.Description)
		s.transition(ctx, paymentID, domain.PaymentFailed, result.Raw)
		return OutcomeDeclined
	}

	order, err := s.committer.Commit(ctx, pending, result.Raw)
	if err != nil {
		return s.compensate(ctx, paymentID, err)
	}

	if len(order.Shortfall) > 0 {
		for _, sf := range order.Shortfall {
			s.metrics.shortfallUnits.Add(ctx, int64(sf.Requested-sf.Deducted))
		}
		s.logger.Warn("order confirmed with insufficient stock", "payment_id", paymentID, "order_id", order.ID, "shortfall", order.Shortfall)
	}
	s.logger.Info("payment verified, order created", "payment_id", paymentID, "order_id", order.ID, "buyer_id", order.BuyerID)

	if s.publisher != nil {
		event := domain.OrderConfirmedEvent{
			OrderID:     order.ID,
			PaymentID:   paymentID,
			BuyerID:     order.BuyerID,
			Items:       order.LineItems.Counts(),
			TotalAmount: order.TotalAmount,
			Currency:    order.Currency,
			Timestamp:   order.CreatedAt,
		}
		if err := s.publisher.Publish(ctx, paymentID, event); err != nil {
			s.logger.Error("failed to publish order confirmed event", "error", err, "order_id", order.ID)
		}
	}

	return OutcomeVerified
}

// compensate maps a failed commit onto the pending order. The commit
// transaction has already rolled back, so no stock was deducted.
func (s *Service) compensate(ctx context.Context, paymentID string, err error) Outcome {
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		s.logger.Error("unexpected commit failure", "payment_id", paymentID, "error", err)
		s.markError(ctx, paymentID, err)
		return OutcomeError
	}

	switch {
	case stepErr.Step == StepInventory:
		s.logger.Error("inventory update failed, releasing payment for retry", "payment_id", paymentID, "error", err)
		s.transition(ctx, paymentID, domain.PaymentAwaiting, nil)
		return OutcomeRolledBack
	case stepErr.Step == StepOrder && errors.Is(err, orders.ErrDuplicate):
		s.logger.Info("order already exists for payment", "payment_id", paymentID)
		return OutcomeAlreadyExists
	case stepErr.Step == StepOrder:
		s.logger.Error("order creation failed", "payment_id", paymentID, "error", err)
		s.transition(ctx, paymentID, domain.PaymentFailed, diagnostics(err))
		return OutcomeOrderFailed
	case errors.Is(err, ErrClaimLost):
		s.logger.Warn("payment left processing during commit", "payment_id", paymentID)
		return OutcomeClaimLost
	default:
		s.logger.Error("failed to finalize payment", "payment_id", paymentID, "error", err)
		s.markError(ctx, paymentID, err)
		return OutcomeError
	}
}

func (s *Service) markError(ctx context.Context, paymentID string, cause error) {
	s.transition(ctx, paymentID, domain.PaymentError, diagnostics(cause))
}

// transition moves a claimed order out of processing. A rejected transition
// means another writer already resolved it and is only logged.
func (s *Service) transition(ctx context.Context, paymentID string, to domain.PaymentStatus, response json.RawMessage) {
	ok, err := s.ledger.Transition(ctx, paymentID, domain.PaymentProcessing, to, response)
	if err != nil {
		s.logger.Error("failed to record payment status", "payment_id", paymentID, "status", to, "error", err)
		return
	}
	if !ok {
		s.logger.Warn("payment status changed concurrently", "payment_id", paymentID, "wanted", to)
	}
}

func diagnostics(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}
