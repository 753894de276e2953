package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

// promStats counts consumer outcomes in prometheus.
type promStats struct {
	consumed, invalid, updated, failed prometheus.Counter
}

func newPromStats(reg prometheus.Registerer) *promStats {
	s := &promStats{
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_consumed_total",
			Help: "Total driver location messages consumed",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_invalid_total",
			Help: "Total invalid messages received",
		}),
		updated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_driver_updates_total",
			Help: "Total successful driver store updates",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_driver_update_errors_total",
			Help: "Total driver store updates that failed after retries",
		}),
	}
	reg.MustRegister(s.consumed, s.invalid, s.updated, s.failed)
	return s
}

func (s *promStats) Consumed() { s.consumed.Inc() }
func (s *promStats) Invalid()  { s.invalid.Inc() }
func (s *promStats) Updated()  { s.updated.Inc() }
func (s *promStats) Failed()   { s.failed.Inc() }

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("consumer exited", zap.Error(err))
	}
}

func run(cfg config.ConsumerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	defer rc.Close()

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           healthMux(rc),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	c := &ingest.Consumer{
		Reader:   r,
		Writer:   storage.NewRedisDriverStore(rc),
		Cells:    geo.NewIndex(cfg.H3Resolution),
		Stats:    newPromStats(prometheus.DefaultRegisterer),
		Logger:   logger.Named("consumer"),
		Attempts: 3,
		Delay:    200 * time.Millisecond,
	}
	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaLocationTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup),
	)
	err := c.Run(ctx)
	logger.Info("shutting down consumer")
	return err
}

// healthMux serves /metrics, /healthz and a /ready probe that pings redis.
func healthMux(rc redis.UniversalClient) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
