package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/joao-fontenele/storefront-fulfillment/internal/app"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting storefront", "addr", cfg.Addr)
	if err := app.RunServer(ctx, cfg, logger); err != nil {
		logger.Error("storefront stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("storefront stopped")
}
