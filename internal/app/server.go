package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/storefront-fulfillment/internal/auth"
	"github.com/joao-fontenele/storefront-fulfillment/internal/checkout"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/inventory"
	"github.com/joao-fontenele/storefront-fulfillment/internal/messaging"
	"github.com/joao-fontenele/storefront-fulfillment/internal/orders"
	"github.com/joao-fontenele/storefront-fulfillment/internal/payments"
	"github.com/joao-fontenele/storefront-fulfillment/internal/telemetry"
)

var version = "dev"

// RunServer serves the storefront API until ctx is cancelled. With Kafka
// configured, webhooks are published for the worker binary; otherwise they
// are processed by an in-process queue and reconciler.
func RunServer(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	c, err := newCore(ctx, cfg, "storefront", logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	var dispatcher fulfillment.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		notified := messaging.NewProducer(cfg.KafkaBrokers, fulfillment.TopicPaymentNotified)
		c.closers = append(c.closers, notified.Close)
		dispatcher = fulfillment.NewKafkaDispatcher(notified)
		logger.Info("dispatching payment notifications to kafka", "brokers", cfg.KafkaBrokers)
	} else {
		queue, err := fulfillment.NewQueue(c.service, cfg.Queue.Size, cfg.Queue.Workers, logger)
		if err != nil {
			return errors.Wrap(err, "create queue")
		}
		dispatcher = queue
		c.background = append(c.background, queue.Run)
		if err := c.addReconciler(cfg, queue, logger); err != nil {
			return err
		}
		logger.Info("processing payment notifications in-process", "workers", cfg.Queue.Workers)
	}

	profiles := c.profiles
	inventoryRepo := inventory.NewInventoryRepository(c.db)
	ordersRepo := orders.NewOrderRepository(c.db)

	initiator := checkout.NewInitiator(inventoryRepo, profiles, c.gateway, c.ledger, cfg.Checkout, logger)
	paymentsHandler, err := payments.NewHandler(initiator, c.ledger, dispatcher, c.service, logger)
	if err != nil {
		return errors.Wrap(err, "create payments handler")
	}
	ordersHandler := orders.NewHandler(ordersRepo, logger, orders.WithStatusNotifier(c.notifier))
	inventoryHandler := inventory.NewHandler(inventoryRepo, logger)

	authHTTP := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   5 * time.Second,
	}
	mw := auth.NewMiddleware(auth.NewHTTPVerifier(cfg.Auth.URL, cfg.Auth.APIKey, authHTTP), profiles, logger)

	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, telemetry.WithHTTPRoute(h))
	}

	route("POST /payments/initiate", mw.RequireUser(paymentsHandler.HandleInitiate))
	route("POST /payments/webhook", paymentsHandler.HandleWebhook)
	route("GET /payments/{paymentId}/status", mw.RequireUser(paymentsHandler.HandleStatus))
	route("POST /payments/{paymentId}/verify", mw.RequireUser(paymentsHandler.HandleVerify))
	route("POST /admin/payments/{paymentId}/verify", mw.RequireAdmin(paymentsHandler.HandleAdminVerify))

	route("GET /orders", mw.RequireUser(ordersHandler.HandleListMine))
	route("GET /orders/{id}", mw.RequireUser(ordersHandler.HandleGet))
	route("GET /admin/orders", mw.RequireAdmin(ordersHandler.HandleList))
	route("PATCH /admin/orders/{id}/status", mw.RequireAdmin(ordersHandler.HandleUpdateStatus))

	route("GET /stock", inventoryHandler.HandleListStock)
	route("GET /stock/{productId}", inventoryHandler.HandleGetStock)
	route("POST /admin/stock/{productId}/restock", mw.RequireAdmin(inventoryHandler.HandleRestock))

	mux.HandleFunc("GET /healthz", c.health.Handler)
	mux.Handle("GET /metrics", c.metricsHandler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(mux, "storefront"),
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       10 * time.Second,
		// Manual verification waits on the gateway's retry policy.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	c.runBackground(gctx, g)
	serve(gctx, g, srv, c.health, cfg.Graceful, logger, func() {
		paymentsHandler.Wait()
		ordersHandler.Wait()
	})

	return g.Wait()
}
