package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle, e.g. a sqlmock connection.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Drivers() *PostgresDrivers { return &PostgresDrivers{db: p.db} }
func (p *PostgresStore) Trips() *PostgresTrips     { return &PostgresTrips{db: p.db} }
func (p *PostgresStore) Offers() *PostgresOffers   { return &PostgresOffers{db: p.db} }

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// drivers

type driverRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Status    string    `db:"status"`
	Lat       float64   `db:"lat"`
	Lng       float64   `db:"lng"`
	Cell      string    `db:"cell_id"`
	Rating    float64   `db:"rating"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r driverRow) toModel() models.DriverCandidate {
	return models.DriverCandidate{
		ID:        r.ID,
		Name:      r.Name,
		Status:    models.DriverStatus(r.Status),
		Location:  models.Location{Lat: r.Lat, Lng: r.Lng, Cell: r.Cell},
		Rating:    r.Rating,
		UpdatedAt: r.UpdatedAt,
	}
}

const driverColumns = `id, name, status, lat, lng, cell_id, rating, updated_at`

type PostgresDrivers struct{ db *sqlx.DB }

func (d *PostgresDrivers) FindAvailableInCells(ctx context.Context, cells []string) ([]models.DriverCandidate, error) {
	var rows []driverRow
	err := d.db.SelectContext(ctx, &rows,
		`SELECT `+driverColumns+` FROM drivers WHERE status = $1 AND cell_id = ANY($2) ORDER BY id`,
		models.DriverAvailable, pq.Array(cells))
	if err != nil {
		return nil, fmt.Errorf("select available drivers: %w", err)
	}
	out := make([]models.DriverCandidate, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (d *PostgresDrivers) ConditionalSetStatus(ctx context.Context, id string, expected, next models.DriverStatus) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		next, id, expected)
	if err != nil {
		return false, fmt.Errorf("conditional driver status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *PostgresDrivers) SetStatus(ctx context.Context, id string, status models.DriverStatus) error {
	res, err := d.db.ExecContext(ctx, `UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set driver status: %w", err)
	}
	return expectOne(res, "driver", id)
}

func (d *PostgresDrivers) Upsert(ctx context.Context, drv models.DriverCandidate) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO drivers (id, name, status, lat, lng, cell_id, rating, updated_at)
		VALUES ($1, $2, COALESCE(NULLIF($3::text, ''), 'available'), $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = CASE WHEN $3::text = '' THEN drivers.status ELSE EXCLUDED.status END,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			cell_id = EXCLUDED.cell_id,
			rating = EXCLUDED.rating,
			updated_at = EXCLUDED.updated_at`,
		drv.ID, drv.Name, string(drv.Status), drv.Location.Lat, drv.Location.Lng, drv.Location.Cell, drv.Rating)
	if err != nil {
		return fmt.Errorf("upsert driver: %w", err)
	}
	return nil
}

func (d *PostgresDrivers) Get(ctx context.Context, id string) (models.DriverCandidate, error) {
	var r driverRow
	err := d.db.GetContext(ctx, &r, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverCandidate{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DriverCandidate{}, fmt.Errorf("get driver: %w", err)
	}
	return r.toModel(), nil
}

// trips

type tripRow struct {
	ID             string         `db:"id"`
	RiderID        string         `db:"rider_id"`
	PickupLat      float64        `db:"pickup_lat"`
	PickupLng      float64        `db:"pickup_lng"`
	PickupCell     string         `db:"pickup_cell_id"`
	PickupAddress  string         `db:"pickup_address"`
	DropoffLat     float64        `db:"dropoff_lat"`
	DropoffLng     float64        `db:"dropoff_lng"`
	DropoffCell    string         `db:"dropoff_cell_id"`
	DropoffAddress string         `db:"dropoff_address"`
	Status         string         `db:"status"`
	Mode           string         `db:"dispatch_mode"`
	Tags           pq.StringArray `db:"tags"`
	FailedAttempts int            `db:"failed_attempts"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func newTripRow(t models.TripRequest) tripRow {
	return tripRow{
		ID:             t.ID,
		RiderID:        t.RiderID,
		PickupLat:      t.Pickup.Lat,
		PickupLng:      t.Pickup.Lng,
		PickupCell:     t.Pickup.Cell,
		PickupAddress:  t.Pickup.Address,
		DropoffLat:     t.Dropoff.Lat,
		DropoffLng:     t.Dropoff.Lng,
		DropoffCell:    t.Dropoff.Cell,
		DropoffAddress: t.Dropoff.Address,
		Status:         string(t.Status),
		Mode:           string(t.Mode),
		Tags:           pq.StringArray(nonNil(t.Tags)),
		FailedAttempts: t.FailedAttempts,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (r tripRow) toModel() models.TripRequest {
	return models.TripRequest{
		ID:             r.ID,
		RiderID:        r.RiderID,
		Pickup:         models.Location{Lat: r.PickupLat, Lng: r.PickupLng, Cell: r.PickupCell, Address: r.PickupAddress},
		Dropoff:        models.Location{Lat: r.DropoffLat, Lng: r.DropoffLng, Cell: r.DropoffCell, Address: r.DropoffAddress},
		Status:         models.TripStatus(r.Status),
		Mode:           models.DispatchMode(r.Mode),
		Tags:           []string(r.Tags),
		FailedAttempts: r.FailedAttempts,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type PostgresTrips struct{ db *sqlx.DB }

func (t *PostgresTrips) Save(ctx context.Context, trip models.TripRequest) error {
	_, err := t.db.NamedExecContext(ctx, `
		INSERT INTO trip_requests (
			id, rider_id, pickup_lat, pickup_lng, pickup_cell_id, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_cell_id, dropoff_address,
			status, dispatch_mode, tags, failed_attempts, created_at, updated_at
		) VALUES (
			:id, :rider_id, :pickup_lat, :pickup_lng, :pickup_cell_id, :pickup_address,
			:dropoff_lat, :dropoff_lng, :dropoff_cell_id, :dropoff_address,
			:status, :dispatch_mode, :tags, :failed_attempts, :created_at, :updated_at
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			dispatch_mode = EXCLUDED.dispatch_mode,
			tags = EXCLUDED.tags,
			failed_attempts = EXCLUDED.failed_attempts,
			updated_at = EXCLUDED.updated_at`,
		newTripRow(trip))
	if err != nil {
		return fmt.Errorf("save trip: %w", err)
	}
	return nil
}

func (t *PostgresTrips) GetByID(ctx context.Context, id string) (models.TripRequest, error) {
	var r tripRow
	err := t.db.GetContext(ctx, &r, `SELECT * FROM trip_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripRequest{}, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.TripRequest{}, fmt.Errorf("get trip: %w", err)
	}
	return r.toModel(), nil
}

func (t *PostgresTrips) SetStatus(ctx context.Context, id string, status models.TripStatus) error {
	res, err := t.db.ExecContext(ctx, `UPDATE trip_requests SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set trip status: %w", err)
	}
	return expectOne(res, "trip", id)
}

func (t *PostgresTrips) RecordAttempt(ctx context.Context, id string) (int, error) {
	var n int
	err := t.db.QueryRowxContext(ctx,
		`UPDATE trip_requests SET failed_attempts = failed_attempts + 1, updated_at = now() WHERE id = $1 RETURNING failed_attempts`,
		id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return n, nil
}

// offers

type offerRow struct {
	ID             string       `db:"id"`
	TripID         string       `db:"trip_id"`
	DriverID       string       `db:"driver_id"`
	DriverName     string       `db:"driver_name"`
	DriverStatus   string       `db:"driver_status"`
	DistanceMeters float64      `db:"distance_meters"`
	Status         string       `db:"status"`
	ExpiresAt      time.Time    `db:"expires_at"`
	RespondedAt    sql.NullTime `db:"responded_at"`
	CreatedAt      time.Time    `db:"created_at"`
}

func (r offerRow) toModel() models.Offer {
	o := models.Offer{
		ID:             r.ID,
		TripID:         r.TripID,
		DriverID:       r.DriverID,
		DriverName:     r.DriverName,
		DriverStatus:   models.DriverStatus(r.DriverStatus),
		DistanceMeters: r.DistanceMeters,
		Status:         models.OfferStatus(r.Status),
		ExpiresAt:      r.ExpiresAt,
		CreatedAt:      r.CreatedAt,
	}
	if r.RespondedAt.Valid {
		ts := r.RespondedAt.Time
		o.RespondedAt = &ts
	}
	return o
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

const offerColumns = `id, trip_id, driver_id, driver_name, driver_status, distance_meters, status, expires_at, responded_at, created_at`

type PostgresOffers struct{ db *sqlx.DB }

func (o *PostgresOffers) Create(ctx context.Context, offer models.Offer) (models.Offer, error) {
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = time.Now()
	}
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO driver_offers (`+offerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		offer.ID, offer.TripID, offer.DriverID, offer.DriverName, offer.DriverStatus, offer.DistanceMeters,
		offer.Status, offer.ExpiresAt, nullTime(offer.RespondedAt), offer.CreatedAt)
	if err != nil {
		return models.Offer{}, fmt.Errorf("create offer: %w", err)
	}
	return offer, nil
}

func (o *PostgresOffers) Get(ctx context.Context, id string) (models.Offer, error) {
	var r offerRow
	err := o.db.GetContext(ctx, &r, `SELECT `+offerColumns+` FROM driver_offers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("get offer: %w", err)
	}
	return r.toModel(), nil
}

func (o *PostgresOffers) selectOffers(ctx context.Context, query string, args ...any) ([]models.Offer, error) {
	var rows []offerRow
	if err := o.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select offers: %w", err)
	}
	out := make([]models.Offer, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (o *PostgresOffers) FindPendingByTrip(ctx context.Context, tripID string) ([]models.Offer, error) {
	return o.selectOffers(ctx,
		`SELECT `+offerColumns+` FROM driver_offers WHERE trip_id = $1 AND status = $2 ORDER BY created_at, id`,
		tripID, models.OfferPending)
}

func (o *PostgresOffers) FindPendingDrivers(ctx context.Context, driverIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(driverIDs) == 0 {
		return out, nil
	}
	var ids []string
	err := o.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT driver_id FROM driver_offers WHERE status = $1 AND driver_id = ANY($2)`,
		models.OfferPending, pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("select pending drivers: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (o *PostgresOffers) TransitionFromPending(ctx context.Context, id string, status models.OfferStatus, respondedAt *time.Time) (bool, error) {
	res, err := o.db.ExecContext(ctx,
		`UPDATE driver_offers SET status = $1, responded_at = $2 WHERE id = $3 AND status = $4`,
		status, nullTime(respondedAt), id, models.OfferPending)
	if err != nil {
		return false, fmt.Errorf("transition offer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// distinguish an already resolved offer from a missing one
	if _, err := o.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (o *PostgresOffers) ListPending(ctx context.Context) ([]models.Offer, error) {
	return o.selectOffers(ctx,
		`SELECT `+offerColumns+` FROM driver_offers WHERE status = $1 ORDER BY created_at, id`,
		models.OfferPending)
}

var (
	_ DriverStore = (*PostgresDrivers)(nil)
	_ TripStore   = (*PostgresTrips)(nil)
	_ OfferStore  = (*PostgresOffers)(nil)
)
