package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/messaging"
)

// RunWorker consumes payment notifications and order confirmations from
// Kafka and runs the reconciler, which re-publishes stuck payments to the
// payment topic.
func RunWorker(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("kafka brokers are required: set STOREFRONT_KAFKA_BROKERS or KAFKA_BROKERS")
	}

	c, err := newCore(ctx, cfg, "fulfillment-worker", logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, fulfillment.TopicPaymentNotified, cfg.ConsumerGroup,
		messaging.WithLogger(logger))
	c.closers = append(c.closers, consumer.Close)

	confirmed := messaging.NewConsumer(cfg.KafkaBrokers, fulfillment.TopicOrderConfirmed, cfg.NotifyGroup,
		messaging.WithLogger(logger))
	c.closers = append(c.closers, confirmed.Close)

	notified := messaging.NewProducer(cfg.KafkaBrokers, fulfillment.TopicPaymentNotified)
	c.closers = append(c.closers, notified.Close)
	if err := c.addReconciler(cfg, fulfillment.NewKafkaDispatcher(notified), logger); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", c.health.Handler)
	mux.Handle("GET /metrics", c.metricsHandler)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	c.runBackground(gctx, g)
	serve(gctx, g, srv, c.health, cfg.Graceful, logger, nil)

	g.Go(func() error {
		logger.Info("consuming payment notifications", "topic", fulfillment.TopicPaymentNotified,
			"group", cfg.ConsumerGroup, "brokers", cfg.KafkaBrokers)
		return consumer.Consume(gctx, c.service.HandleMessage)
	})
	g.Go(func() error {
		return confirmed.Consume(gctx, c.notifier.HandleMessage)
	})

	return g.Wait()
}
