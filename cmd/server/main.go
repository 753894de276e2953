package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/telemetry"
)

func main() {
	cfg, err := config.LoadServerConfig()
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
		logger.Fatal("server exited", zap.Error(err))
	}
}

// stores picks the backing stores: Postgres when PG_DSN is set, the Redis
// driver store when REDIS_ADDR is set, memory for whatever is left.
type stores struct {
	drivers storage.DriverStore
	trips   storage.TripStore
	offers  storage.OfferStore
	closers []io.Closer
}

func openStores(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) (*stores, error) {
	mem := storage.NewMemoryStore()
	st := &stores{drivers: mem.Drivers(), trips: mem.Trips(), offers: mem.Offers()}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st.closers = append(st.closers, pg)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				st.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		st.drivers, st.trips, st.offers = pg.Drivers(), pg.Trips(), pg.Offers()
	}
	if cfg.RedisAddr != "" {
		rc := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		st.closers = append(st.closers, rc)
		st.drivers = storage.NewRedisDriverStore(rc)
	}
	logger.Info("stores ready",
		zap.String("drivers", fmt.Sprintf("%T", st.drivers)),
		zap.String("trips", fmt.Sprintf("%T", st.trips)),
		zap.String("offers", fmt.Sprintf("%T", st.offers)),
	)
	return st, nil
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func run(cfg config.ServerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var sinks []telemetry.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sink := telemetry.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTelemetryTopic)
		defer sink.Close()
		sinks = append(sinks, sink)
	}
	rec := telemetry.NewRecorder(cfg.TelemetryCapacity, logger.Named("telemetry"), sinks...)
	go rec.Run(ctx)

	ws := notify.NewWSRegistry(logger.Named("ws"))
	var notifier offers.Notifier = ws
	if cfg.NotifyWebhook != "" {
		notifier = notify.NewPushNotifier(cfg.NotifyWebhook, ws, logger.Named("push"))
	}

	svc := dispatch.NewService(dispatch.Config{
		Drivers:      st.drivers,
		Trips:        st.trips,
		Offers:       st.offers,
		Geo:          geo.NewIndex(cfg.H3Resolution),
		Telemetry:    rec,
		Notifier:     notifier,
		OfferTimeout: cfg.OfferTimeout,
		MaxAttempts:  cfg.MaxDispatchAttempts,
		Logger:       logger.Named("dispatch"),
	})
	defer svc.Close()
	if err := svc.Resume(ctx); err != nil {
		logger.Warn("resume pending offers failed", zap.Error(err))
	}
	go svc.RunScheduler(ctx, cfg.PoolFlushInterval, cfg.PoolIdleTTL)

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer kp.Close()
		locations = kp
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, ws, locations, logger.Named("http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
