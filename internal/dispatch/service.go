package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/telemetry"
)

var (
	ErrInvalidTrip   = errors.New("invalid trip request")
	ErrInvalidDriver = errors.New("invalid driver update")
)

type Config struct {
	Drivers   storage.DriverStore
	Trips     storage.TripStore
	Offers    storage.OfferStore
	Geo       *geo.Index
	Telemetry *telemetry.Recorder
	Notifier  offers.Notifier // optional

	OfferTimeout time.Duration
	// MaxAttempts > 0 gives up on a trip once its failed attempts exceed it.
	MaxAttempts int
	Logger      *zap.Logger
}

// Service is the entry point the transport layer talks to. It owns the
// pool, the matcher and the offer coordinator and applies the requeue policy.
type Service struct {
	drivers     storage.DriverStore
	trips       storage.TripStore
	geo         *geo.Index
	events      *telemetry.Recorder
	matcher     *matcher.Service
	pool        *pool.Aggregator
	offers      *offers.Coordinator
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Geo == nil {
		cfg.Geo = geo.NewIndex(geo.DefaultResolution)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewRecorder(telemetry.DefaultCapacity, cfg.Logger)
	}
	s := &Service{
		drivers:     cfg.Drivers,
		trips:       cfg.Trips,
		geo:         cfg.Geo,
		events:      cfg.Telemetry,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	s.matcher = &matcher.Service{Drivers: cfg.Drivers, Grid: cfg.Geo, Logger: cfg.Logger.Named("matcher")}
	s.pool = pool.NewAggregator(cfg.Geo, s.matcher, cfg.Telemetry, cfg.Logger.Named("pool"))
	s.offers = offers.NewCoordinator(offers.Config{
		Drivers:  cfg.Drivers,
		Trips:    cfg.Trips,
		Offers:   cfg.Offers,
		Requeuer: s,
		Notifier: cfg.Notifier,
		Events:   cfg.Telemetry,
		Timeout:  cfg.OfferTimeout,
		Logger:   cfg.Logger.Named("offers"),
	})
	s.pool.SetOutcomeHandler(s)
	return s
}

// NewTrip is a rider's request before it has an id or cells.
type NewTrip struct {
	RiderID string              `json:"riderId"`
	Pickup  models.Location     `json:"pickup"`
	Dropoff models.Location     `json:"dropoff"`
	Tags    []string            `json:"tags"`
	Mode    models.DispatchMode `json:"dispatchMode"`
}

// Submission is what SubmitTrip hands back. Result is set only for single dispatch.
type Submission struct {
	Trip   models.TripRequest     `json:"trip"`
	Result *models.MatchingResult `json:"result,omitempty"`
}

// SubmitTrip stores a new trip and routes it by dispatch mode.
func (s *Service) SubmitTrip(ctx context.Context, in NewTrip) (Submission, error) {
	if in.RiderID == "" {
		return Submission{}, fmt.Errorf("%w: riderId is required", ErrInvalidTrip)
	}
	mode, err := models.ParseDispatchMode(string(in.Mode))
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidTrip, err)
	}
	pickup, err := s.locate(in.Pickup)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: pickup: %v", ErrInvalidTrip, err)
	}
	dropoff, err := s.locate(in.Dropoff)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: dropoff: %v", ErrInvalidTrip, err)
	}

	now := s.now()
	trip := models.TripRequest{
		ID:        uuid.NewString(),
		RiderID:   in.RiderID,
		Pickup:    pickup,
		Dropoff:   dropoff,
		Status:    models.TripQueued,
		Mode:      mode,
		Tags:      in.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if trip.Tags == nil {
		trip.Tags = []string{}
	}
	if err := s.trips.Save(ctx, trip); err != nil {
		return Submission{}, fmt.Errorf("save trip: %w", err)
	}

	if mode == models.DispatchSingle {
		res, err := s.DispatchImmediately(ctx, trip)
		if err != nil {
			return Submission{Trip: trip}, err
		}
		if t, err := s.trips.GetByID(ctx, trip.ID); err == nil {
			trip = t
		}
		return Submission{Trip: trip, Result: &res}, nil
	}
	if err := s.QueueTrip(ctx, trip); err != nil {
		return Submission{Trip: trip}, err
	}
	return Submission{Trip: trip}, nil
}

func (s *Service) locate(l models.Location) (models.Location, error) {
	cell, err := s.geo.CellFor(l.Lat, l.Lng)
	if err != nil {
		return l, err
	}
	l.Cell = cell
	return l, nil
}

func (s *Service) QueueTrip(ctx context.Context, trip models.TripRequest) error {
	return s.pool.Enqueue(ctx, trip)
}

// DispatchImmediately solves a one-trip batch at the trip's own cell without
// pooling it. A trip nobody can take ends as no_driver.
func (s *Service) DispatchImmediately(ctx context.Context, trip models.TripRequest) (models.MatchingResult, error) {
	ctx = context.WithoutCancel(ctx)
	if trip.Pickup.Cell == "" {
		p, err := s.locate(trip.Pickup)
		if err != nil {
			return models.MatchingResult{}, fmt.Errorf("%w: pickup: %v", ErrInvalidTrip, err)
		}
		trip.Pickup = p
	}
	s.events.Record(ctx, models.EventSingleDispatchStarted, map[string]any{
		"tripId":  trip.ID,
		"riderId": trip.RiderID,
		"cellId":  trip.Pickup.Cell,
	})

	now := s.now()
	res, err := s.matcher.Solve(ctx, models.PoolBatch{
		Cell:        trip.Pickup.Cell,
		Trips:       []models.TripRequest{trip},
		WindowStart: now,
		UpdatedAt:   now,
	})
	if err != nil {
		return models.MatchingResult{}, err
	}
	s.events.Record(ctx, models.EventMatchingResult, map[string]any{
		"cellId":      res.Cell,
		"assignments": res.Assignments,
		"unassigned":  res.Unassigned,
		"strategy":    res.Strategy,
		"metadata":    res.Metadata,
	})
	s.HandleOutcome(ctx, res)
	return res, nil
}

// HandleOutcome offers assigned trips to their drivers. Unassigned pooled
// trips wait for the next window; unassigned single trips end as no_driver.
func (s *Service) HandleOutcome(ctx context.Context, res models.MatchingResult) {
	s.offers.CreateForMatching(ctx, res)
	for _, id := range res.Unassigned {
		trip, err := s.trips.GetByID(ctx, id)
		if err != nil {
			s.logger.Error("load unassigned trip failed", zap.String("trip_id", id), zap.Error(err))
			continue
		}
		if trip.Mode == models.DispatchSingle {
			s.markNoDriver(ctx, trip, "no_candidate")
			continue
		}
		if err := s.Requeue(ctx, trip); err != nil {
			s.logger.Error("requeue unassigned trip failed", zap.String("trip_id", id), zap.Error(err))
		}
	}
}

// Requeue counts a failed attempt and puts the trip back into its pool,
// unless the attempt limit is spent.
func (s *Service) Requeue(ctx context.Context, trip models.TripRequest) error {
	if trip.Status == models.TripNoDriver {
		return nil
	}
	n, err := s.trips.RecordAttempt(ctx, trip.ID)
	if err != nil {
		return err
	}
	trip.FailedAttempts = n
	if s.maxAttempts > 0 && n > s.maxAttempts {
		s.markNoDriver(ctx, trip, "max_attempts")
		return nil
	}
	return s.pool.Enqueue(ctx, trip)
}

func (s *Service) markNoDriver(ctx context.Context, trip models.TripRequest, reason string) {
	if err := s.trips.SetStatus(ctx, trip.ID, models.TripNoDriver); err != nil {
		s.logger.Error("mark trip no_driver failed", zap.String("trip_id", trip.ID), zap.Error(err))
		return
	}
	s.events.Record(ctx, models.EventTripNoDriver, map[string]any{
		"tripId":         trip.ID,
		"riderId":        trip.RiderID,
		"reason":         reason,
		"failedAttempts": trip.FailedAttempts,
	})
}

func (s *Service) ListPools() []models.PoolBatch {
	return s.pool.Snapshot()
}

// Flush flushes one cell, or all of them when cell is empty. A flush runs to
// completion even if ctx is cancelled: a reservation taken halfway must be
// turned into an offer or released.
func (s *Service) Flush(ctx context.Context, cell string) []models.MatchingResult {
	return s.pool.Flush(context.WithoutCancel(ctx), cell)
}

func (s *Service) ListPendingOffers(ctx context.Context) ([]models.Offer, error) {
	return s.offers.ListPending(ctx)
}

func (s *Service) RespondToOffer(ctx context.Context, offerID string, status models.OfferStatus) (models.Offer, error) {
	return s.offers.Respond(context.WithoutCancel(ctx), offerID, status)
}

func (s *Service) RecentTelemetry(limit int) []models.TelemetryEvent {
	return s.events.Recent(limit)
}

// UpdateDriverLocation records a driver's position. Name, rating and status
// are only overwritten when the update carries them.
func (s *Service) UpdateDriverLocation(ctx context.Context, u models.DriverLocationUpdate) (models.DriverCandidate, error) {
	if u.DriverID == "" {
		return models.DriverCandidate{}, fmt.Errorf("%w: driverId is required", ErrInvalidDriver)
	}
	if u.Status != "" && !u.Status.Valid() {
		return models.DriverCandidate{}, fmt.Errorf("%w: unknown status %q", ErrInvalidDriver, u.Status)
	}
	if u.Rating != nil && (math.IsNaN(*u.Rating) || *u.Rating < 0 || *u.Rating > 5) {
		return models.DriverCandidate{}, fmt.Errorf("%w: rating must be within 0..5", ErrInvalidDriver)
	}
	loc, err := s.locate(models.Location{Lat: u.Lat, Lng: u.Lng})
	if err != nil {
		return models.DriverCandidate{}, fmt.Errorf("%w: %v", ErrInvalidDriver, err)
	}

	d, err := s.drivers.Get(ctx, u.DriverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return models.DriverCandidate{}, err
	}
	if err := s.drivers.Upsert(ctx, u.ApplyTo(d, loc.Cell)); err != nil {
		return models.DriverCandidate{}, err
	}
	return s.drivers.Get(ctx, u.DriverID)
}

// Resume re-arms expiry timers for offers persisted by an earlier run.
func (s *Service) Resume(ctx context.Context) error {
	n, err := s.offers.Resume(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("resumed pending offers", zap.Int("count", n))
	}
	return nil
}

// RunScheduler flushes every pool each interval and prunes batches idle for
// longer than idleTTL. It returns when ctx is done.
func (s *Service) RunScheduler(ctx context.Context, interval, idleTTL time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := s.Flush(ctx, "")
			if pruned := s.pool.Prune(idleTTL); pruned > 0 || len(results) > 0 {
				s.logger.Debug("scheduled flush", zap.Int("results", len(results)), zap.Int("pruned", pruned))
			}
		}
	}
}

func (s *Service) Close() {
	s.offers.Close()
}
