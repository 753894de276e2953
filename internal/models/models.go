package models

import "time"

// Location is a point on the map together with the spatial cell it falls in.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Cell    string  `json:"cellId"`
	Address string  `json:"address,omitempty"`
}

// TripRequest is a rider's request as read from the trip store.
type TripRequest struct {
	ID                string       `json:"id"`
	RiderID           string       `json:"riderId"`
	Pickup            Location     `json:"pickup"`
	Dropoff           Location     `json:"dropoff"`
	Status            TripStatus   `json:"status"`
	Mode              DispatchMode `json:"dispatchMode"`
	Tags              []string     `json:"tags"`
	FailedAttempts    int          `json:"failedAttempts"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// DriverCandidate is the projection of a driver record the matcher works with.
type DriverCandidate struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    DriverStatus `json:"status"`
	Location  Location     `json:"location"`
	Rating    float64      `json:"rating"` // 0..5
	UpdatedAt time.Time    `json:"updatedAt"`
}

// DriverLocationUpdate is what driver apps report, over HTTP or Kafka.
type DriverLocationUpdate struct {
	DriverID string       `json:"driverId"`
	Name     string       `json:"name,omitempty"`
	Lat      float64      `json:"lat"`
	Lng      float64      `json:"lng"`
	Rating   *float64     `json:"rating,omitempty"`
	Status   DriverStatus `json:"status,omitempty"`
}

// PoolBatch is the set of trips waiting in one cell for the current window.
type PoolBatch struct {
	Cell        string        `json:"cellId"`
	Trips       []TripRequest `json:"trips"`
	WindowStart time.Time     `json:"windowStart"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type MatchingAssignment struct {
	TripID         string       `json:"tripId"`
	DriverID       string       `json:"driverId"`
	DriverName     string       `json:"driverName"`
	DriverStatus   DriverStatus `json:"driverStatus"`
	DistanceMeters float64      `json:"distanceMeters"`
}

type CandidateScore struct {
	DriverID       string       `json:"driverId"`
	DriverName     string       `json:"driverName"`
	DriverStatus   DriverStatus `json:"driverStatus"`
	DistanceMeters float64      `json:"distanceMeters"`
	DistanceScore  float64      `json:"distanceScore"`
	Rating         float64      `json:"rating"`
	RatingScore    float64      `json:"ratingScore"`
	BlendedCost    float64      `json:"blendedCost"`
	IsCandidate    bool         `json:"isCandidate"`
}

// MatchingScorecard lists every driver pairing considered for one trip. Diagnostic only.
type MatchingScorecard struct {
	TripID     string           `json:"tripId"`
	RiderID    string           `json:"riderId"`
	Candidates []CandidateScore `json:"candidates"`
}

type MatchingMetadata struct {
	DriversConsidered int `json:"driversConsidered"`
}

// MatchingResult is produced once per solve and never mutated afterwards.
type MatchingResult struct {
	Cell        string               `json:"cellId"`
	TripIDs     []string             `json:"tripIds"`
	Assignments []MatchingAssignment `json:"assignments"`
	Unassigned  []string             `json:"unassigned"`
	Strategy    string               `json:"strategy"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Metadata    MatchingMetadata     `json:"metadata"`
	Scorecards  []MatchingScorecard  `json:"scorecards"`
}

// Offer is a reserved driver's chance to accept a trip before ExpiresAt.
type Offer struct {
	ID             string       `json:"id"`
	TripID         string       `json:"tripId"`
	DriverID       string       `json:"driverId"`
	DriverName     string       `json:"driverName"`
	DriverStatus   DriverStatus `json:"driverStatus"`
	DistanceMeters float64      `json:"distanceMeters"`
	Status         OfferStatus  `json:"status"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	RespondedAt    *time.Time   `json:"respondedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

type TelemetryEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
}

// ApplyTo merges the update into the stored driver d. Name, rating and status
// are only overwritten when the update carries them; an empty status lets the
// store keep its own.
func (u DriverLocationUpdate) ApplyTo(d DriverCandidate, cell string) DriverCandidate {
	d.ID = u.DriverID
	d.Location = Location{Lat: u.Lat, Lng: u.Lng, Cell: cell}
	d.Status = u.Status
	if u.Name != "" {
		d.Name = u.Name
	}
	if u.Rating != nil {
		d.Rating = *u.Rating
	}
	return d
}
