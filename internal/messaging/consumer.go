package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront-fulfillment/internal/retry"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// HandlerFunc processes one message payload. Returning an error triggers the
// consumer's retry policy.
type HandlerFunc func(ctx context.Context, payload []byte) error

// DefaultHandlerPolicy bounds how long one message may hold up its partition.
var DefaultHandlerPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Jitter:      0.2,
}

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
	policy  retry.Policy
	logger  *slog.Logger
}

type ConsumerOption func(*Consumer, *kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(_ *Consumer, cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

func WithHandlerPolicy(p retry.Policy) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		c.policy = p
	}
}

func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		c.logger = l
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		topic:   topic,
		groupID: groupID,
		policy:  DefaultHandlerPolicy,
		logger:  slog.Default(),
	}
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	for _, opt := range opts {
		opt(c, &cfg)
	}

	c.policy = c.policy.Or(DefaultHandlerPolicy)
	c.reader = kafka.NewReader(cfg)
	return c
}

// Consume runs handler for every message until ctx is cancelled. A message
// whose handler keeps failing after the retry policy is logged and committed
// anyway; callers rely on their own reconciliation for those.
func (c *Consumer) Consume(ctx context.Context, handler HandlerFunc) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("giving up on message", "topic", c.topic, "partition", msg.Partition,
				"offset", msg.Offset, "key", string(msg.Key), "error", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler HandlerFunc) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{msg: &msg})

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	_, err := retry.Do(spanCtx, c.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, handler(ctx, msg.Value)
	}, func(attempt uint, err error, next time.Duration) {
		c.logger.Warn("message handler failed, retrying", "topic", c.topic, "key", string(msg.Key),
			"attempt", attempt, "next", next, "error", err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
