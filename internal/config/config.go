package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment (optionally seeded from a .env file, or a
// file named by CONFIG_FILE) with defaults that run locally without setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	H3Resolution        int
	OfferTimeout        time.Duration
	TelemetryCapacity   int
	PoolFlushInterval   time.Duration // 0 disables the scheduler
	PoolIdleTTL         time.Duration
	MaxDispatchAttempts int // 0 means unlimited

	RedisAddr     string
	RedisPassword string

	PGDSN         string
	RunMigrations bool

	KafkaBrokers        []string
	KafkaTelemetryTopic string
	KafkaLocationTopic  string

	NotifyWebhook string

	LogLevel  string
	LogFormat string
}

// ConsumerConfig is the driver location consumer's configuration.
type ConsumerConfig struct {
	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaGroup         string
	MetricsAddr        string

	RedisAddr     string
	RedisPassword string
	H3Resolution  int

	LogLevel  string
	LogFormat string
}

func newViper() (*viper.Viper, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("H3_RESOLUTION", "8")
	v.SetDefault("TELEMETRY_CAPACITY", "200")
	v.SetDefault("POOL_FLUSH_INTERVAL", "0s")
	v.SetDefault("POOL_IDLE_TTL", "5m")
	v.SetDefault("MAX_DISPATCH_ATTEMPTS", "0")
	v.SetDefault("KAFKA_TELEMETRY_TOPIC", "dispatch-telemetry")
	v.SetDefault("KAFKA_LOCATION_TOPIC", "driver-locations")
	v.SetDefault("KAFKA_GROUP", "ride-dispatch-consumer")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return v, nil
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ServerConfig{}, err
	}
	var errs []error
	cfg := ServerConfig{
		HTTPAddr:        stringValue(v, "HTTP_ADDR"),
		ReadTimeout:     durationValue(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:    durationValue(v, "HTTP_WRITE_TIMEOUT", &errs),
		IdleTimeout:     durationValue(v, "HTTP_IDLE_TIMEOUT", &errs),
		ShutdownTimeout: durationValue(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),

		H3Resolution:        intValue(v, "H3_RESOLUTION", &errs),
		OfferTimeout:        offerTimeout(v, &errs),
		TelemetryCapacity:   intValue(v, "TELEMETRY_CAPACITY", &errs),
		PoolFlushInterval:   durationValue(v, "POOL_FLUSH_INTERVAL", &errs),
		PoolIdleTTL:         durationValue(v, "POOL_IDLE_TTL", &errs),
		MaxDispatchAttempts: intValue(v, "MAX_DISPATCH_ATTEMPTS", &errs),

		RedisAddr:     stringValue(v, "REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		PGDSN:         stringValue(v, "PG_DSN"),
		RunMigrations: strings.EqualFold(stringValue(v, "MIGRATE"), "true"),

		KafkaBrokers:        splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTelemetryTopic: stringValue(v, "KAFKA_TELEMETRY_TOPIC"),
		KafkaLocationTopic:  stringValue(v, "KAFKA_LOCATION_TOPIC"),

		NotifyWebhook: stringValue(v, "NOTIFY_WEBHOOK"),

		LogLevel:  strings.ToLower(stringValue(v, "LOG_LEVEL")),
		LogFormat: strings.ToLower(stringValue(v, "LOG_FORMAT")),
	}

	if cfg.H3Resolution < 0 || cfg.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("H3_RESOLUTION must be within 0..15"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.TelemetryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("TELEMETRY_CAPACITY must be > 0"))
	}
	if cfg.PoolFlushInterval < 0 {
		errs = append(errs, fmt.Errorf("POOL_FLUSH_INTERVAL must be >= 0"))
	}
	if cfg.MaxDispatchAttempts < 0 {
		errs = append(errs, fmt.Errorf("MAX_DISPATCH_ATTEMPTS must be >= 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ConsumerConfig{}, err
	}
	var errs []error
	cfg := ConsumerConfig{
		KafkaBrokers:       splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationTopic: stringValue(v, "KAFKA_LOCATION_TOPIC"),
		KafkaGroup:         stringValue(v, "KAFKA_GROUP"),
		MetricsAddr:        stringValue(v, "METRICS_ADDR"),
		RedisAddr:          stringValue(v, "REDIS_ADDR"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		H3Resolution:       intValue(v, "H3_RESOLUTION", &errs),
		LogLevel:           strings.ToLower(stringValue(v, "LOG_LEVEL")),
		LogFormat:          strings.ToLower(stringValue(v, "LOG_FORMAT")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.H3Resolution < 0 || cfg.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("H3_RESOLUTION must be within 0..15"))
	}
	return cfg, errors.Join(errs...)
}

// offerTimeout prefers OFFER_TIMEOUT (a duration) over OFFER_TIMEOUT_SECONDS.
func offerTimeout(v *viper.Viper, errs *[]error) time.Duration {
	if v.IsSet("OFFER_TIMEOUT") && stringValue(v, "OFFER_TIMEOUT") != "" {
		return durationValue(v, "OFFER_TIMEOUT", errs)
	}
	if raw := stringValue(v, "OFFER_TIMEOUT_SECONDS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid OFFER_TIMEOUT_SECONDS: %w", err))
			return 0
		}
		return time.Duration(n) * time.Second
	}
	return 30 * time.Second
}

func stringValue(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func durationValue(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := stringValue(v, key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return d
}

func intValue(v *viper.Viper, key string, errs *[]error) int {
	raw := stringValue(v, key)
	i, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return i
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
