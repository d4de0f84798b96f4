package app

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/storefront-fulfillment/internal/auth"
	"github.com/joao-fontenele/storefront-fulfillment/internal/cardcom"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/guard"
	"github.com/joao-fontenele/storefront-fulfillment/internal/health"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
	"github.com/joao-fontenele/storefront-fulfillment/internal/messaging"
	"github.com/joao-fontenele/storefront-fulfillment/internal/notify"
	"github.com/joao-fontenele/storefront-fulfillment/internal/telemetry"
)

// core holds what both binaries need to run payment confirmation.
type core struct {
	db       *sql.DB
	ledger   *ledger.Repository
	guard    guard.Guard
	gateway  *cardcom.Client
	service  *fulfillment.Service
	profiles *auth.ProfileRepository
	notifier *notify.Notifier
	health   *health.Checker

	metricsHandler http.Handler
	background     []func(ctx context.Context) error
	closers        []func() error
}

func (c *core) close(logger *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Error("close failed", "error", err)
		}
	}
}

// runBackground starts every background loop registered on c in g.
func (c *core) runBackground(ctx context.Context, g *errgroup.Group) {
	for _, fn := range c.background {
		g.Go(func() error { return fn(ctx) })
	}
}

func newCore(ctx context.Context, cfg *Config, serviceName string, logger *slog.Logger) (_ *core, err error) {
	c := &core{health: health.New()}
	defer func() {
		if err != nil {
			c.close(logger)
		}
	}()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry, serviceName, version)
	if err != nil {
		return nil, errors.Wrap(err, "init tracer")
	}
	c.closers = append(c.closers, func() error { return shutdownTracer(context.Background()) })

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, version)
	if err != nil {
		return nil, errors.Wrap(err, "init meter")
	}
	c.metricsHandler = metricsHandler
	c.closers = append(c.closers, func() error { return shutdownMeter(context.Background()) })

	db, err := telemetry.OpenDB(cfg.PostgresURL, cfg.MaxDBConns)
	if err != nil {
		return nil, err
	}
	c.db = db
	c.closers = append(c.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}
	c.health.Add("postgres", 2*time.Second, health.PingCheck(db))

	c.ledger = ledger.NewRepository(db)
	c.profiles = auth.NewProfileRepository(db)

	mailHTTP := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 10 * time.Second}
	c.notifier = notify.NewNotifier(c.profiles, notify.NewMailer(cfg.Notify, mailHTTP, logger), logger)

	if err := c.initGuard(cfg, logger); err != nil {
		return nil, err
	}

	if !cfg.CardCom.Configured() {
		logger.Warn("cardcom terminal is not configured; payment pages and verification will fail")
	}
	gatewayHTTP := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.CardCom.Timeout,
	}
	c.gateway, err = cardcom.NewClient(cfg.CardCom, gatewayHTTP, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create cardcom client")
	}

	// Confirmed orders go to Kafka for the worker's notifier, or straight to
	// the notifier when everything runs in one process.
	opts := []fulfillment.Option{fulfillment.WithFetchPolicy(cfg.Fulfillment.Fetch)}
	if len(cfg.KafkaBrokers) > 0 {
		confirmed := messaging.NewProducer(cfg.KafkaBrokers, fulfillment.TopicOrderConfirmed)
		c.closers = append(c.closers, confirmed.Close)
		opts = append(opts, fulfillment.WithPublisher(confirmed))
	} else {
		opts = append(opts, fulfillment.WithPublisher(c.notifier))
	}

	committer := fulfillment.NewTxCommitter(db, cfg.Fulfillment.Stock, logger)
	c.service, err = fulfillment.NewService(c.guard, c.ledger, c.gateway, committer, logger, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create fulfillment service")
	}

	return c, nil
}

func (c *core) initGuard(cfg *Config, logger *slog.Logger) error {
	if cfg.RedisURL == "" {
		mem := guard.NewMemory(cfg.Guard.TTL, logger)
		c.guard = mem
		c.background = append(c.background, func(ctx context.Context) error {
			return mem.Run(ctx, cfg.Guard.Sweep)
		})
		logger.Info("using in-memory payment guard")
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	c.closers = append(c.closers, client.Close)
	c.guard = guard.NewRedis(client, cfg.Guard.Prefix, cfg.Guard.TTL)
	c.health.Add("redis", 2*time.Second, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	logger.Info("using redis payment guard", "addr", opts.Addr)
	return nil
}

// addReconciler schedules the reconciler on c, re-dispatching through d.
func (c *core) addReconciler(cfg *Config, d fulfillment.Dispatcher, logger *slog.Logger) error {
	r, err := fulfillment.NewReconciler(c.ledger, d, cfg.Reconciler, logger)
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}
	c.background = append(c.background, r.Run)
	return nil
}

// serve runs srv until ctx is done, then drains health checks and shuts down.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, checker *health.Checker, cfg GracefulConfig, logger *slog.Logger, onShutdown func()) {
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		checker.Drain()
		logger.Info("draining before shutdown", "delay", cfg.ReadinessDelay)
		time.Sleep(cfg.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		logger.Info("shutting down server", "timeout", cfg.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if onShutdown != nil {
			onShutdown()
		}
		return nil
	})
}
