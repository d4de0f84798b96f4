package main

import (
	"log/slog"
	"os"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

type config struct {
	PostgresURL    string `usage:"PostgreSQL connection URL"`
	MigrationsPath string `default:"file://migrations" usage:"Migration source URL"`
}

func loadConfig() (*config, error) {
	var cfg config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		SkipFlags: true,
		SkipFiles: true,
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.PostgresURL == "" {
		cfg.PostgresURL = os.Getenv("POSTGRES_URL")
	}
	if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
		cfg.MigrationsPath = v
	}
	if cfg.PostgresURL == "" {
		return nil, errors.New("postgres URL is required: set STOREFRONT_POSTGRES_URL or POSTGRES_URL")
	}
	return &cfg, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var m *migrate.Migrate
	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply storefront database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err = migrate.New(cfg.MigrationsPath, cfg.PostgresURL)
			if err != nil {
				return errors.Wrap(err, "create migrate instance")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if m != nil {
				_, _ = m.Close()
			}
		},
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("no pending migrations")
					return nil
				}
				if err != nil {
					return errors.Wrap(err, "migration up")
				}
				logger.Info("migrations applied successfully")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				err := m.Steps(-1)
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("no migrations to rollback")
					return nil
				}
				if err != nil {
					return errors.Wrap(err, "migration down")
				}
				logger.Info("migration rolled back successfully")
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					logger.Info("no migrations applied yet")
					return nil
				}
				if err != nil {
					return errors.Wrap(err, "get version")
				}
				logger.Info("current migration version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
				return nil
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
