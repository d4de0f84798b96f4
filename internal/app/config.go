// Package app wires the storefront binaries from configuration.
package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/joao-fontenele/storefront-fulfillment/internal/cardcom"
	"github.com/joao-fontenele/storefront-fulfillment/internal/checkout"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/notify"
	"github.com/joao-fontenele/storefront-fulfillment/internal/retry"
	"github.com/joao-fontenele/storefront-fulfillment/internal/telemetry"
)

// Config is shared by the storefront and worker binaries. It loads from
// STOREFRONT_* environment variables, flags and an optional config.yaml.
type Config struct {
	Addr          string   `default:"0.0.0.0:8080" usage:"HTTP listen address"`
	PostgresURL   string   `usage:"PostgreSQL connection URL (STOREFRONT_POSTGRES_URL or POSTGRES_URL)" flag:"postgres-url"`
	MaxDBConns    int      `default:"20" usage:"Maximum open database connections" flag:"max-db-conns"`
	KafkaBrokers  []string `usage:"Kafka brokers; empty runs fulfillment in-process" flag:"kafka-brokers"`
	ConsumerGroup string   `default:"fulfillment-worker" usage:"Kafka consumer group of the worker" flag:"consumer-group"`
	NotifyGroup   string   `default:"order-notifier" usage:"Kafka consumer group for order emails" flag:"notify-group"`
	RedisURL      string   `usage:"Redis URL for the cross-process payment guard; empty uses an in-memory guard" flag:"redis-url"`

	Auth        AuthConfig
	CardCom     cardcom.Config `env:"CARDCOM"`
	Checkout    checkout.Config
	Notify      notify.Config
	Guard       GuardConfig
	Queue       QueueConfig
	Fulfillment FulfillmentConfig
	Reconciler  fulfillment.ReconcilerConfig
	Telemetry   telemetry.Config
	Graceful    GracefulConfig
}

type AuthConfig struct {
	URL    string `usage:"Identity provider base URL serving /auth/v1/user"`
	APIKey string `usage:"API key sent to the identity provider" flag:"auth-api-key"`
}

type GuardConfig struct {
	TTL    time.Duration `default:"60s" usage:"How long a payment stays locked if its holder never releases it; must exceed the worst-case verify time"`
	Prefix string        `default:"storefront:payment:" usage:"Redis key prefix for payment locks"`
	Sweep  time.Duration `default:"15s" usage:"Sweep interval of the in-memory guard"`
}

type QueueConfig struct {
	Size    int `default:"256" usage:"Buffered payment notifications in local mode"`
	Workers int `default:"4" usage:"Concurrent payment workers in local mode"`
}

type FulfillmentConfig struct {
	Fetch retry.Policy
	Stock retry.Policy
}

type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s" usage:"Delay after failing health checks before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.PostgresURL == "" {
		return nil, errors.New("postgres URL is required: set STOREFRONT_POSTGRES_URL or POSTGRES_URL")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate rejects a guard TTL that a slow verify can outlive, which would
// let a second worker verify the same payment concurrently.
func (c *Config) validate() error {
	if budget := c.CardCom.VerifyBudget(); c.Guard.TTL <= budget {
		return errors.Errorf("guard ttl %s must exceed the worst-case verify time %s", c.Guard.TTL, budget)
	}
	return nil
}

// applyPlatformDefaults honours the unprefixed variable names used by
// docker-compose and hosting platforms.
func (c *Config) applyPlatformDefaults() {
	if c.PostgresURL == "" {
		c.PostgresURL = os.Getenv("POSTGRES_URL")
	}
	if len(c.KafkaBrokers) == 0 {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			c.KafkaBrokers = strings.Split(v, ",")
		}
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
