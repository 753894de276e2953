package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 8, cfg.H3Resolution)
	assert.Equal(t, 30*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 200, cfg.TelemetryCapacity)
	assert.Zero(t, cfg.PoolFlushInterval)
	assert.Equal(t, 5*time.Minute, cfg.PoolIdleTTL)
	assert.Zero(t, cfg.MaxDispatchAttempts)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "dispatch-telemetry", cfg.KafkaTelemetryTopic)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("H3_RESOLUTION", "9")
	t.Setenv("OFFER_TIMEOUT", "45s")
	t.Setenv("POOL_FLUSH_INTERVAL", "2s")
	t.Setenv("MAX_DISPATCH_ATTEMPTS", "4")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 9, cfg.H3Resolution)
	assert.Equal(t, 45*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 2*time.Second, cfg.PoolFlushInterval)
	assert.Equal(t, 4, cfg.MaxDispatchAttempts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestOfferTimeoutSeconds(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT_SECONDS", "12")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, cfg.OfferTimeout)

	t.Setenv("OFFER_TIMEOUT", "1m")
	cfg, err = LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.OfferTimeout, "duration form wins")
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("H3_RESOLUTION", "16")
	t.Setenv("TELEMETRY_CAPACITY", "0")
	t.Setenv("OFFER_TIMEOUT_SECONDS", "-3")

	_, err := LoadServerConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "HTTP_READ_TIMEOUT")
	assert.Contains(t, msg, "H3_RESOLUTION")
	assert.Contains(t, msg, "TELEMETRY_CAPACITY")
	assert.Contains(t, msg, "OFFER_TIMEOUT")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":7070\"\ntelemetry_capacity: 50\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, 50, cfg.TelemetryCapacity)
}

func TestLoadConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "driver-locations", cfg.KafkaLocationTopic)
	assert.Equal(t, "ride-dispatch-consumer", cfg.KafkaGroup)

	t.Setenv("KAFKA_GROUP", "g2")
	t.Setenv("REDIS_ADDR", "redis:6379")
	cfg, err = LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "g2", cfg.KafkaGroup)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}
