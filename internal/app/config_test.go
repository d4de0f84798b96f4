package app

import (
	"testing"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://db/storefront")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://db/storefront", cfg.PostgresURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
}

func TestApplyPlatformDefaults_PrefixedWins(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://platform")
	t.Setenv("KAFKA_BROKERS", "platform:9092")
	t.Setenv("PORT", "9000")

	cfg := Config{
		Addr:         "127.0.0.1:7000",
		PostgresURL:  "postgres://explicit",
		KafkaBrokers: []string{"explicit:9092"},
	}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://explicit", cfg.PostgresURL)
	assert.Equal(t, []string{"explicit:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr, "explicit addr is not overridden by PORT")
}

func TestConfig_GuardOutlivesVerify(t *testing.T) {
	var cfg Config
	require.NoError(t, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipEnv:   true,
		SkipFlags: true,
		SkipFiles: true,
	}).Load())

	require.NoError(t, cfg.validate(), "defaults must be consistent")
	assert.Greater(t, cfg.Guard.TTL, cfg.CardCom.VerifyBudget())

	cfg.Guard.TTL = 30 * time.Second
	assert.Error(t, cfg.validate(), "three 10s verify timeouts outlive a 30s lock")
}
