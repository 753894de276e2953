package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// DriverStore holds driver records. ConditionalSetStatus is the only
// exclusion point for reservations and must be atomic.
type DriverStore interface {
	FindAvailableInCells(ctx context.Context, cells []string) ([]models.DriverCandidate, error)
	ConditionalSetStatus(ctx context.Context, id string, expected, next models.DriverStatus) (bool, error)
	SetStatus(ctx context.Context, id string, status models.DriverStatus) error
	// Upsert writes identity and location. An empty Status keeps the stored
	// one, or makes a new driver available.
	Upsert(ctx context.Context, d models.DriverCandidate) error
	Get(ctx context.Context, id string) (models.DriverCandidate, error)
}

type TripStore interface {
	Save(ctx context.Context, t models.TripRequest) error
	GetByID(ctx context.Context, id string) (models.TripRequest, error)
	SetStatus(ctx context.Context, id string, status models.TripStatus) error
	// RecordAttempt increments the failed attempt counter and returns the new value.
	RecordAttempt(ctx context.Context, id string) (int, error)
}

type OfferStore interface {
	Create(ctx context.Context, o models.Offer) (models.Offer, error)
	Get(ctx context.Context, id string) (models.Offer, error)
	FindPendingByTrip(ctx context.Context, tripID string) ([]models.Offer, error)
	// FindPendingDrivers reports which of driverIDs currently hold a pending offer.
	FindPendingDrivers(ctx context.Context, driverIDs []string) (map[string]bool, error)
	// TransitionFromPending moves a pending offer to status. It returns false
	// when the offer was already resolved.
	TransitionFromPending(ctx context.Context, id string, status models.OfferStatus, respondedAt *time.Time) (bool, error)
	ListPending(ctx context.Context) ([]models.Offer, error)
}
