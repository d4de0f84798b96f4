package fulfillment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

// TopicPaymentNotified carries PaymentNotifiedEvent keyed by payment id.
const TopicPaymentNotified = "payment.notified"

// TopicOrderConfirmed carries OrderConfirmedEvent keyed by payment id.
const TopicOrderConfirmed = "order.confirmed"

var ErrQueueFull = errors.New("fulfillment queue is full")

// Dispatcher hands a payment notification to whatever runs Process. It must
// not block on the processing itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.PaymentNotifiedEvent) error
}

// Processor is implemented by Service.
type Processor interface {
	Process(ctx context.Context, paymentID string) (Outcome, error)
}

var _ Processor = (*Service)(nil)

// KafkaDispatcher publishes notifications for the worker binary to consume.
type KafkaDispatcher struct {
	publisher Publisher
}

var _ Dispatcher = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(p Publisher) *KafkaDispatcher {
	return &KafkaDispatcher{publisher: p}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, event domain.PaymentNotifiedEvent) error {
	if err := d.publisher.Publish(ctx, event.PaymentID, event); err != nil {
		return errors.Wrap(err, "publish payment notification")
	}
	return nil
}

// Queue runs notifications on a fixed pool of in-process workers.
type Queue struct {
	tasks     chan domain.PaymentNotifiedEvent
	processor Processor
	workers   int
	logger    *slog.Logger
	metrics   *metrics
}

var _ Dispatcher = (*Queue)(nil)

func NewQueue(processor Processor, size, workers int, logger *slog.Logger) (*Queue, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	return &Queue{
		tasks:     make(chan domain.PaymentNotifiedEvent, size),
		processor: processor,
		workers:   workers,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Dispatch enqueues without waiting. A full queue is reported to the caller,
// and the reconciler picks the payment up later.
func (q *Queue) Dispatch(ctx context.Context, event domain.PaymentNotifiedEvent) error {
	select {
	case q.tasks <- event:
		return nil
	default:
		q.metrics.dispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range q.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-q.tasks:
			outcome, err := q.processor.Process(ctx, event.PaymentID)
			if err != nil {
				q.metrics.dispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "process_error")))
				q.logger.Error("background payment processing failed", "payment_id", event.PaymentID, "source", event.Source, "error", err)
				continue
			}
			q.logger.Info("background payment processing finished", "payment_id", event.PaymentID, "source", event.Source, "outcome", outcome)
		}
	}
}

// HandleMessage is the Kafka consumer callback for TopicPaymentNotified.
// Malformed messages are logged and skipped so they do not block the
// partition; storage errors are returned so the offset is not committed.
func (s *Service) HandleMessage(ctx context.Context, payload []byte) error {
	var event domain.PaymentNotifiedEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.PaymentID == "" {
		s.logger.Error("dropping malformed payment notification", "error", err, "payload", string(payload))
		return nil
	}

	outcome, err := s.Process(ctx, event.PaymentID)
	if err != nil {
		return errors.Wrapf(err, "process payment %s", event.PaymentID)
	}

	s.logger.Info("payment notification handled", "payment_id", event.PaymentID, "source", event.Source, "outcome", outcome)
	return nil
}
