package offers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type requeueLog struct {
	mu    sync.Mutex
	trips []models.TripRequest
}

func (r *requeueLog) Requeue(_ context.Context, trip models.TripRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips = append(r.trips, trip)
	return nil
}

func (r *requeueLog) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.trips))
	for i, t := range r.trips {
		out[i] = t.ID
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []models.EventType
}

func (e *eventLog) Record(_ context.Context, typ models.EventType, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, typ)
}

func (e *eventLog) has(typ models.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.events {
		if t == typ {
			return true
		}
	}
	return false
}

type notifyLog struct {
	mu     sync.Mutex
	offers []models.Offer
}

func (n *notifyLog) NotifyOffer(_ context.Context, o models.Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, o)
	return errors.New("driver offline")
}

func (n *notifyLog) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offers)
}

// blockingNotifier holds every delivery until release is closed.
type blockingNotifier struct {
	release chan struct{}
	seen    chan string
}

func (b *blockingNotifier) NotifyOffer(_ context.Context, o models.Offer) error {
	b.seen <- o.ID
	<-b.release
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	requeued *requeueLog
	events   *eventLog
	notified *notifyLog
	coord    *Coordinator
}

func setup(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		requeued: &requeueLog{},
		events:   &eventLog{},
		notified: &notifyLog{},
	}
	f.coord = NewCoordinator(Config{
		Drivers:  f.store.Drivers(),
		Trips:    f.store.Trips(),
		Offers:   f.store.Offers(),
		Requeuer: f.requeued,
		Notifier: f.notified,
		Events:   f.events,
		Timeout:  timeout,
		Logger:   zaptest.NewLogger(t),
	})
	t.Cleanup(f.coord.Close)

	ctx := context.Background()
	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, f.store.Drivers().Upsert(ctx, models.DriverCandidate{ID: id, Name: "driver " + id, Status: models.DriverAvailable}))
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, f.store.Trips().Save(ctx, models.TripRequest{ID: id, RiderID: "r-" + id, Status: models.TripMatched}))
	}
	return f
}

func (f *fixture) driverStatus(t *testing.T, id string) models.DriverStatus {
	d, err := f.store.Drivers().Get(context.Background(), id)
	require.NoError(t, err)
	return d.Status
}

func (f *fixture) trip(t *testing.T, id string) models.TripRequest {
	trip, err := f.store.Trips().GetByID(context.Background(), id)
	require.NoError(t, err)
	return trip
}

func (c *Coordinator) timerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func result(pairs ...[2]string) models.MatchingResult {
	r := models.MatchingResult{Cell: "c1"}
	for _, p := range pairs {
		r.TripIDs = append(r.TripIDs, p[0])
		r.Assignments = append(r.Assignments, models.MatchingAssignment{TripID: p[0], DriverID: p[1], DriverStatus: models.DriverAvailable, DistanceMeters: 250})
	}
	return r
}

func TestCreateForMatchingReservesAndOffers(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()

	offers := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}, [2]string{"t2", "d2"}))
	require.Len(t, offers, 2)
	for _, o := range offers {
		assert.Equal(t, models.OfferPending, o.Status)
		assert.WithinDuration(t, time.Now().Add(time.Minute), o.ExpiresAt, 5*time.Second)
	}
	assert.Equal(t, models.DriverReserved, f.driverStatus(t, "d1"))
	assert.Equal(t, models.DriverReserved, f.driverStatus(t, "d2"))
	assert.Equal(t, models.TripOffering, f.trip(t, "t1").Status)
	assert.Equal(t, 2, f.coord.timerCount())
	assert.True(t, f.events.has(models.EventOfferCreated))
	assert.Eventually(t, func() bool { return f.notified.count() == 2 }, time.Second, 5*time.Millisecond,
		"notification failures do not block offers")
	assert.Empty(t, f.requeued.ids())
}

func TestCreateForMatchingNoAssignmentsIsNoop(t *testing.T) {
	f := setup(t, time.Minute)
	assert.Nil(t, f.coord.CreateForMatching(context.Background(), models.MatchingResult{Unassigned: []string{"t1"}}))
	assert.Empty(t, f.events.events)
}

func TestDriverWithPendingOfferRequeuesTrip(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	require.Len(t, f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"})), 1)

	offers := f.coord.CreateForMatching(ctx, result([2]string{"t2", "d1"}))
	assert.Empty(t, offers)
	assert.Equal(t, []string{"t2"}, f.requeued.ids())
	assert.Equal(t, models.TripQueued, f.trip(t, "t2").Status)
}

func TestSameDriverTwiceInOneResult(t *testing.T) {
	f := setup(t, time.Minute)
	offers := f.coord.CreateForMatching(context.Background(), result([2]string{"t1", "d1"}, [2]string{"t2", "d1"}))
	require.Len(t, offers, 1)
	assert.Equal(t, []string{"t2"}, f.requeued.ids())
}

func TestLostReservationRequeuesTrip(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, f.store.Drivers().SetStatus(ctx, "d1", models.DriverBusy))

	assert.Empty(t, f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"})))
	assert.Equal(t, []string{"t1"}, f.requeued.ids())
	assert.Equal(t, models.DriverBusy, f.driverStatus(t, "d1"))
	assert.Equal(t, models.TripQueued, f.trip(t, "t1").Status)
}

func TestNewOfferExpiresPreviousForTrip(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	first := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}))
	require.Len(t, first, 1)

	second := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d2"}))
	require.Len(t, second, 1)

	old, err := f.store.Offers().Get(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, old.Status)
	assert.Equal(t, models.DriverAvailable, f.driverStatus(t, "d1"))
	assert.Equal(t, 1, f.coord.timerCount())

	pending, err := f.coord.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d2", pending[0].DriverID)
}

func TestAcceptCancelsTimer(t *testing.T) {
	f := setup(t, 50*time.Millisecond)
	ctx := context.Background()
	offer := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}))[0]

	got, err := f.coord.Respond(ctx, offer.ID, models.OfferAccepted)
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, got.Status)
	require.NotNil(t, got.RespondedAt)
	assert.Zero(t, f.coord.timerCount())

	time.Sleep(120 * time.Millisecond)
	f.coord.HandleTimeout(ctx, offer.ID)

	assert.Equal(t, models.TripAssigned, f.trip(t, "t1").Status)
	assert.Equal(t, models.DriverBusy, f.driverStatus(t, "d1"))
	assert.False(t, f.events.has(models.EventOfferTimeout))
	assert.Empty(t, f.requeued.ids())
}

func TestDeclineReleasesDriverAndRequeues(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	offer := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}))[0]

	_, err := f.coord.Respond(ctx, offer.ID, models.OfferDeclined)
	require.NoError(t, err)

	assert.Equal(t, models.DriverAvailable, f.driverStatus(t, "d1"))
	assert.Equal(t, models.TripQueued, f.trip(t, "t1").Status)
	assert.Equal(t, []string{"t1"}, f.requeued.ids())
	assert.True(t, f.events.has(models.EventOfferDeclined))
}

func TestOfferExpiresWithoutResponse(t *testing.T) {
	f := setup(t, 30*time.Millisecond)
	ctx := context.Background()
	offer := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}))[0]

	assert.Eventually(t, func() bool {
		o, err := f.store.Offers().Get(ctx, offer.ID)
		return err == nil && o.Status == models.OfferExpired
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.requeued.ids()) == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, models.DriverAvailable, f.driverStatus(t, "d1"))
	assert.Equal(t, models.TripQueued, f.trip(t, "t1").Status)
	assert.True(t, f.events.has(models.EventOfferTimeout))
	assert.Zero(t, f.coord.timerCount())
}

func TestRespondErrors(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()

	_, err := f.coord.Respond(ctx, "missing", models.OfferAccepted)
	assert.ErrorIs(t, err, ErrOfferNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	offer := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}))[0]
	_, err = f.coord.Respond(ctx, offer.ID, models.OfferExpired)
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = f.coord.Respond(ctx, offer.ID, models.OfferDeclined)
	require.NoError(t, err)
	_, err = f.coord.Respond(ctx, offer.ID, models.OfferAccepted)
	assert.ErrorIs(t, err, ErrOfferNotPending)
	assert.Equal(t, models.DriverAvailable, f.driverStatus(t, "d1"), "late accept must not mark the driver busy")

	stored, err := f.store.Offers().Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferDeclined, stored.Status)
	assert.NotEqual(t, models.TripAssigned, f.trip(t, "t1").Status)
	assert.Equal(t, []string{"t1"}, f.requeued.ids(), "late accept must not requeue again")
}

func TestRespondRacingTimeoutHasOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := setup(t, time.Hour)
		ctx := context.Background()
		offer := f.coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}))[0]

		var wg sync.WaitGroup
		var respondErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, respondErr = f.coord.Respond(ctx, offer.ID, models.OfferAccepted)
		}()
		go func() {
			defer wg.Done()
			f.coord.HandleTimeout(ctx, offer.ID)
		}()
		wg.Wait()

		o, err := f.store.Offers().Get(ctx, offer.ID)
		require.NoError(t, err)
		if respondErr == nil {
			assert.Equal(t, models.OfferAccepted, o.Status)
			assert.Equal(t, models.DriverBusy, f.driverStatus(t, "d1"))
			assert.Empty(t, f.requeued.ids())
		} else {
			assert.ErrorIs(t, respondErr, ErrOfferNotPending)
			assert.Equal(t, models.OfferExpired, o.Status)
			assert.Equal(t, models.DriverAvailable, f.driverStatus(t, "d1"))
			assert.Equal(t, []string{"t1"}, f.requeued.ids())
		}
	}
}

func TestResumeArmsTimersForStoredOffers(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, f.store.Drivers().SetStatus(ctx, "d1", models.DriverReserved))
	stale, err := f.store.Offers().Create(ctx, models.Offer{
		TripID: "t1", DriverID: "d1", Status: models.OfferPending, ExpiresAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	n, err := f.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Eventually(t, func() bool {
		o, err := f.store.Offers().Get(ctx, stale.ID)
		return err == nil && o.Status == models.OfferExpired
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.driverStatus(t, "d1") == models.DriverAvailable }, time.Second, 10*time.Millisecond)
}

func TestSlowNotifierDoesNotBlockOfferCreation(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, store.Drivers().Upsert(ctx, models.DriverCandidate{ID: id, Status: models.DriverAvailable}))
	}
	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, store.Trips().Save(ctx, models.TripRequest{ID: id, Status: models.TripMatched}))
	}
	n := &blockingNotifier{release: make(chan struct{}), seen: make(chan string, 4)}
	coord := NewCoordinator(Config{
		Drivers:  store.Drivers(),
		Trips:    store.Trips(),
		Offers:   store.Offers(),
		Requeuer: &requeueLog{},
		Notifier: n,
		Events:   &eventLog{},
		Timeout:  time.Minute,
		Logger:   zaptest.NewLogger(t),
	})

	done := make(chan []models.Offer, 1)
	go func() { done <- coord.CreateForMatching(ctx, result([2]string{"t1", "d1"}, [2]string{"t2", "d2"})) }()

	select {
	case offers := <-done:
		assert.Len(t, offers, 2)
	case <-time.After(time.Second):
		t.Fatal("offer creation waited on the notifier")
	}
	<-n.seen
	close(n.release)
	coord.Close()
	assert.Len(t, n.seen, 1, "second offer delivered after release")
}
