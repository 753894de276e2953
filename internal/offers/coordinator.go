package offers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultTimeout = 30 * time.Second

	noticeBuffer  = 256
	notifyTimeout = 5 * time.Second
)

var (
	ErrOfferNotFound   = fmt.Errorf("offer %w", storage.ErrNotFound)
	ErrOfferNotPending = errors.New("offer already resolved")
	ErrInvalidResponse = errors.New("response must be accepted or declined")
)

// Requeuer puts a trip back into the pool after a failed offer attempt.
type Requeuer interface {
	Requeue(ctx context.Context, trip models.TripRequest) error
}

// Notifier pushes a freshly created offer to its driver.
type Notifier interface {
	NotifyOffer(ctx context.Context, offer models.Offer) error
}

type EventRecorder interface {
	Record(ctx context.Context, typ models.EventType, data map[string]any)
}

type Config struct {
	Drivers  storage.DriverStore
	Trips    storage.TripStore
	Offers   storage.OfferStore
	Requeuer Requeuer
	Notifier Notifier // optional
	Events   EventRecorder
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Coordinator turns matching results into driver offers and resolves them
// on accept, decline or expiry. Each pending offer owns one timer.
type Coordinator struct {
	drivers  storage.DriverStore
	trips    storage.TripStore
	offers   storage.OfferStore
	requeuer Requeuer
	notifier Notifier
	events   EventRecorder
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	// offers waiting to be pushed; nil without a notifier
	notices chan models.Offer
	wg      sync.WaitGroup
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Coordinator{
		drivers:  cfg.Drivers,
		trips:    cfg.Trips,
		offers:   cfg.Offers,
		requeuer: cfg.Requeuer,
		notifier: cfg.Notifier,
		events:   cfg.Events,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
	if c.notifier != nil {
		c.notices = make(chan models.Offer, noticeBuffer)
		c.wg.Add(1)
		go c.deliver()
	}
	return c
}

// deliver pushes offers off the flush path so a slow notifier never holds a cell.
func (c *Coordinator) deliver() {
	defer c.wg.Done()
	for offer := range c.notices {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := c.notifier.NotifyOffer(ctx, offer); err != nil {
			c.logger.Warn("offer notification failed", zap.String("offer_id", offer.ID), zap.Error(err))
		}
		cancel()
	}
}

func (c *Coordinator) notify(offer models.Offer) {
	if c.notices == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.notices <- offer:
	default:
		c.logger.Warn("notification queue full, dropping", zap.String("offer_id", offer.ID))
	}
}

// CreateForMatching reserves each assigned driver and offers it the trip.
// Drivers already holding a pending offer, and lost reservations, send the
// trip back to the pool instead. Returns the offers created.
func (c *Coordinator) CreateForMatching(ctx context.Context, result models.MatchingResult) []models.Offer {
	if len(result.Assignments) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	driverIDs := make([]string, len(result.Assignments))
	for i, a := range result.Assignments {
		driverIDs[i] = a.DriverID
	}
	// Snapshot read; concurrent batches are kept apart by the reservation CAS.
	pending, err := c.offers.FindPendingDrivers(ctx, driverIDs)
	if err != nil {
		c.logger.Error("pending offer lookup failed, requeueing batch", zap.String("cell", result.Cell), zap.Error(err))
		for _, a := range result.Assignments {
			c.requeue(ctx, a.TripID)
		}
		return nil
	}
	if pending == nil {
		pending = make(map[string]bool)
	}

	var created []models.Offer
	var requeue []string
	for _, a := range result.Assignments {
		if pending[a.DriverID] {
			observability.ReservationConflicts.WithLabelValues("pending_offer").Inc()
			requeue = append(requeue, a.TripID)
			continue
		}
		c.expirePrevious(ctx, a.TripID)

		ok, err := c.drivers.ConditionalSetStatus(ctx, a.DriverID, models.DriverAvailable, models.DriverReserved)
		if err != nil {
			c.logger.Warn("driver reservation failed", zap.String("driver_id", a.DriverID), zap.Error(err))
		}
		if err != nil || !ok {
			observability.ReservationConflicts.WithLabelValues("reserved").Inc()
			requeue = append(requeue, a.TripID)
			continue
		}

		now := c.now()
		offer, err := c.offers.Create(ctx, models.Offer{
			TripID:         a.TripID,
			DriverID:       a.DriverID,
			DriverName:     a.DriverName,
			DriverStatus:   a.DriverStatus,
			DistanceMeters: a.DistanceMeters,
			Status:         models.OfferPending,
			ExpiresAt:      now.Add(c.timeout),
			CreatedAt:      now,
		})
		if err != nil {
			c.logger.Error("create offer failed", zap.String("trip_id", a.TripID), zap.Error(err))
			c.releaseDriver(ctx, a.DriverID)
			requeue = append(requeue, a.TripID)
			continue
		}
		pending[a.DriverID] = true

		if err := c.trips.SetStatus(ctx, a.TripID, models.TripOffering); err != nil {
			c.logger.Warn("mark trip offering failed", zap.String("trip_id", a.TripID), zap.Error(err))
		}
		c.schedule(offer.ID, offer.ExpiresAt)
		observability.OffersCreated.Inc()
		c.events.Record(ctx, models.EventOfferCreated, map[string]any{
			"offerId":        offer.ID,
			"tripId":         offer.TripID,
			"driverId":       offer.DriverID,
			"distanceMeters": offer.DistanceMeters,
			"expiresAt":      offer.ExpiresAt,
		})
		c.notify(offer)
		created = append(created, offer)
	}

	for _, id := range requeue {
		c.requeue(ctx, id)
	}
	return created
}

// Respond records the driver's answer. A second answer, or one racing the
// expiry timer and losing, yields ErrOfferNotPending and leaves the offer,
// trip and driver exactly as the winning resolution left them.
func (c *Coordinator) Respond(ctx context.Context, offerID string, status models.OfferStatus) (models.Offer, error) {
	if status != models.OfferAccepted && status != models.OfferDeclined {
		return models.Offer{}, ErrInvalidResponse
	}
	ctx = context.WithoutCancel(ctx)
	offer, err := c.offers.Get(ctx, offerID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Offer{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	if err != nil {
		return models.Offer{}, err
	}
	if offer.Status.Terminal() {
		return models.Offer{}, fmt.Errorf("%w: %s", ErrOfferNotPending, offerID)
	}

	at := c.now()
	won, err := c.offers.TransitionFromPending(ctx, offerID, status, &at)
	if err != nil {
		return models.Offer{}, err
	}
	if !won {
		return models.Offer{}, fmt.Errorf("%w: %s", ErrOfferNotPending, offerID)
	}
	c.cancelTimer(offerID)
	offer.Status = status
	offer.RespondedAt = &at
	observability.OfferOutcomes.WithLabelValues(string(status)).Inc()

	if status == models.OfferAccepted {
		if err := c.trips.SetStatus(ctx, offer.TripID, models.TripAssigned); err != nil {
			c.logger.Error("mark trip assigned failed", zap.String("trip_id", offer.TripID), zap.Error(err))
		}
		if err := c.drivers.SetStatus(ctx, offer.DriverID, models.DriverBusy); err != nil {
			c.logger.Error("mark driver busy failed", zap.String("driver_id", offer.DriverID), zap.Error(err))
		}
		c.events.Record(ctx, models.EventOfferAccepted, offerEvent(offer))
		return offer, nil
	}

	c.releaseOffer(ctx, offer)
	c.events.Record(ctx, models.EventOfferDeclined, offerEvent(offer))
	return offer, nil
}

// HandleTimeout expires the offer if it is still pending. Stale timers are no-ops.
func (c *Coordinator) HandleTimeout(ctx context.Context, offerID string) {
	defer c.cancelTimer(offerID)
	offer, err := c.offers.Get(ctx, offerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("load offer for timeout failed", zap.String("offer_id", offerID), zap.Error(err))
		}
		return
	}
	if offer.Status.Terminal() {
		return
	}
	at := c.now()
	won, err := c.offers.TransitionFromPending(ctx, offerID, models.OfferExpired, &at)
	if err != nil {
		c.logger.Error("expire offer failed", zap.String("offer_id", offerID), zap.Error(err))
		return
	}
	if !won {
		return
	}
	offer.Status = models.OfferExpired
	offer.RespondedAt = &at
	observability.OfferOutcomes.WithLabelValues(string(models.OfferExpired)).Inc()

	c.releaseOffer(ctx, offer)
	c.events.Record(ctx, models.EventOfferTimeout, offerEvent(offer))
}

func (c *Coordinator) ListPending(ctx context.Context) ([]models.Offer, error) {
	return c.offers.ListPending(ctx)
}

// Resume arms timers for offers left pending by a previous process.
// Offers already past their deadline expire right away.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	pending, err := c.offers.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range pending {
		c.schedule(o.ID, o.ExpiresAt)
	}
	return len(pending), nil
}

// Close stops every outstanding timer and waits for queued notifications.
// Offers stay pending in the store.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if c.notices != nil && !wasClosed {
		close(c.notices)
		c.wg.Wait()
	}
}

// releaseOffer returns driver and trip after a decline or expiry.
func (c *Coordinator) releaseOffer(ctx context.Context, offer models.Offer) {
	c.releaseDriver(ctx, offer.DriverID)
	c.requeue(ctx, offer.TripID)
}

func (c *Coordinator) releaseDriver(ctx context.Context, driverID string) {
	if err := c.drivers.SetStatus(ctx, driverID, models.DriverAvailable); err != nil {
		c.logger.Error("release driver failed", zap.String("driver_id", driverID), zap.Error(err))
	}
}

// expirePrevious makes sure a trip never carries two live offers.
func (c *Coordinator) expirePrevious(ctx context.Context, tripID string) {
	prev, err := c.offers.FindPendingByTrip(ctx, tripID)
	if err != nil {
		c.logger.Warn("lookup previous offers failed", zap.String("trip_id", tripID), zap.Error(err))
		return
	}
	for _, o := range prev {
		at := c.now()
		won, err := c.offers.TransitionFromPending(ctx, o.ID, models.OfferExpired, &at)
		if err != nil || !won {
			continue
		}
		c.cancelTimer(o.ID)
		c.releaseDriver(ctx, o.DriverID)
		observability.OfferOutcomes.WithLabelValues(string(models.OfferExpired)).Inc()
		c.events.Record(ctx, models.EventOfferTimeout, map[string]any{
			"offerId":  o.ID,
			"tripId":   o.TripID,
			"driverId": o.DriverID,
			"reason":   "superseded",
		})
	}
}

func (c *Coordinator) requeue(ctx context.Context, tripID string) {
	if err := c.trips.SetStatus(ctx, tripID, models.TripQueued); err != nil {
		c.logger.Error("reset trip to queued failed", zap.String("trip_id", tripID), zap.Error(err))
		return
	}
	trip, err := c.trips.GetByID(ctx, tripID)
	if err != nil {
		c.logger.Error("load trip for requeue failed", zap.String("trip_id", tripID), zap.Error(err))
		return
	}
	if err := c.requeuer.Requeue(ctx, trip); err != nil {
		c.logger.Error("requeue trip failed", zap.String("trip_id", tripID), zap.Error(err))
	}
}

func (c *Coordinator) schedule(offerID string, expiresAt time.Time) {
	delay := expiresAt.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[offerID]; ok {
		t.Stop()
	}
	c.timers[offerID] = time.AfterFunc(delay, func() {
		c.HandleTimeout(context.Background(), offerID)
	})
}

func (c *Coordinator) cancelTimer(offerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[offerID]; ok {
		t.Stop()
		delete(c.timers, offerID)
	}
}

func offerEvent(o models.Offer) map[string]any {
	return map[string]any{
		"offerId":  o.ID,
		"tripId":   o.TripID,
		"driverId": o.DriverID,
		"status":   string(o.Status),
	}
}
