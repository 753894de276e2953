package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps drivers, trips and offers in maps behind one mutex.
// Drivers, Trips and Offers return the per-entity views.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverCandidate
	trips   map[string]models.TripRequest
	offers  map[string]models.Offer
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers: make(map[string]models.DriverCandidate),
		trips:   make(map[string]models.TripRequest),
		offers:  make(map[string]models.Offer),
		now:     time.Now,
	}
}

func (m *MemoryStore) Drivers() *MemoryDrivers { return &MemoryDrivers{m} }
func (m *MemoryStore) Trips() *MemoryTrips     { return &MemoryTrips{m} }
func (m *MemoryStore) Offers() *MemoryOffers   { return &MemoryOffers{m} }

type MemoryDrivers struct{ s *MemoryStore }

func (d *MemoryDrivers) FindAvailableInCells(_ context.Context, cells []string) ([]models.DriverCandidate, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	out := make([]models.DriverCandidate, 0)
	for _, drv := range d.s.drivers {
		if drv.Status == models.DriverAvailable && slices.Contains(cells, drv.Location.Cell) {
			out = append(out, drv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDrivers) ConditionalSetStatus(_ context.Context, id string, expected, next models.DriverStatus) (bool, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	drv, ok := d.s.drivers[id]
	if !ok || drv.Status != expected {
		return false, nil
	}
	drv.Status = next
	drv.UpdatedAt = d.s.now()
	d.s.drivers[id] = drv
	return true, nil
}

func (d *MemoryDrivers) SetStatus(_ context.Context, id string, status models.DriverStatus) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	drv, ok := d.s.drivers[id]
	if !ok {
		return fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	drv.Status = status
	drv.UpdatedAt = d.s.now()
	d.s.drivers[id] = drv
	return nil
}

func (d *MemoryDrivers) Upsert(_ context.Context, drv models.DriverCandidate) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if drv.Status == "" {
		drv.Status = models.DriverAvailable
		if prev, ok := d.s.drivers[drv.ID]; ok {
			drv.Status = prev.Status
		}
	}
	drv.UpdatedAt = d.s.now()
	d.s.drivers[drv.ID] = drv
	return nil
}

func (d *MemoryDrivers) Get(_ context.Context, id string) (models.DriverCandidate, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	drv, ok := d.s.drivers[id]
	if !ok {
		return models.DriverCandidate{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return drv, nil
}

type MemoryTrips struct{ s *MemoryStore }

func (t *MemoryTrips) Save(_ context.Context, trip models.TripRequest) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	trip.Tags = slices.Clone(trip.Tags)
	t.s.trips[trip.ID] = trip
	return nil
}

func (t *MemoryTrips) GetByID(_ context.Context, id string) (models.TripRequest, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	trip, ok := t.s.trips[id]
	if !ok {
		return models.TripRequest{}, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	trip.Tags = slices.Clone(trip.Tags)
	return trip, nil
}

func (t *MemoryTrips) update(id string, fn func(*models.TripRequest)) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	trip, ok := t.s.trips[id]
	if !ok {
		return fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	fn(&trip)
	trip.UpdatedAt = t.s.now()
	t.s.trips[id] = trip
	return nil
}

func (t *MemoryTrips) SetStatus(_ context.Context, id string, status models.TripStatus) error {
	return t.update(id, func(trip *models.TripRequest) { trip.Status = status })
}

func (t *MemoryTrips) RecordAttempt(_ context.Context, id string) (int, error) {
	var n int
	err := t.update(id, func(trip *models.TripRequest) {
		trip.FailedAttempts++
		n = trip.FailedAttempts
	})
	return n, err
}

type MemoryOffers struct{ s *MemoryStore }

func (o *MemoryOffers) Create(_ context.Context, offer models.Offer) (models.Offer, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = o.s.now()
	}
	o.s.offers[offer.ID] = offer
	return offer, nil
}

func (o *MemoryOffers) Get(_ context.Context, id string) (models.Offer, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	offer, ok := o.s.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return offer, nil
}

func (o *MemoryOffers) FindPendingByTrip(_ context.Context, tripID string) ([]models.Offer, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	var out []models.Offer
	for _, offer := range o.s.offers {
		if offer.TripID == tripID && offer.Status == models.OfferPending {
			out = append(out, offer)
		}
	}
	sortOffers(out)
	return out, nil
}

func (o *MemoryOffers) FindPendingDrivers(_ context.Context, driverIDs []string) (map[string]bool, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	out := make(map[string]bool)
	for _, offer := range o.s.offers {
		if offer.Status == models.OfferPending && slices.Contains(driverIDs, offer.DriverID) {
			out[offer.DriverID] = true
		}
	}
	return out, nil
}

func (o *MemoryOffers) TransitionFromPending(_ context.Context, id string, status models.OfferStatus, respondedAt *time.Time) (bool, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	offer, ok := o.s.offers[id]
	if !ok {
		return false, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if offer.Status != models.OfferPending {
		return false, nil
	}
	offer.Status = status
	offer.RespondedAt = respondedAt
	o.s.offers[id] = offer
	return true, nil
}

func (o *MemoryOffers) ListPending(_ context.Context) ([]models.Offer, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	out := make([]models.Offer, 0)
	for _, offer := range o.s.offers {
		if offer.Status == models.OfferPending {
			out = append(out, offer)
		}
	}
	sortOffers(out)
	return out, nil
}

func sortOffers(o []models.Offer) {
	sort.Slice(o, func(i, j int) bool {
		if o[i].CreatedAt.Equal(o[j].CreatedAt) {
			return o[i].ID < o[j].ID
		}
		return o[i].CreatedAt.Before(o[j].CreatedAt)
	})
}

var (
	_ DriverStore = (*MemoryDrivers)(nil)
	_ TripStore   = (*MemoryTrips)(nil)
	_ OfferStore  = (*MemoryOffers)(nil)
)
