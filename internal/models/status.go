package models

import "fmt"

type TripStatus string

const (
	TripQueued   TripStatus = "queued"
	TripPooling  TripStatus = "pooling"
	TripMatched  TripStatus = "matched"
	TripOffering TripStatus = "offering"
	TripAssigned TripStatus = "assigned"
	TripNoDriver TripStatus = "no_driver"
	TripExpired  TripStatus = "expired"
)

func (s TripStatus) Valid() bool {
	switch s {
	case TripQueued, TripPooling, TripMatched, TripOffering, TripAssigned, TripNoDriver, TripExpired:
		return true
	}
	return false
}

type DispatchMode string

const (
	DispatchPooled DispatchMode = "pooled"
	DispatchSingle DispatchMode = "single"
)

// ParseDispatchMode maps the empty string to pooled, the default mode.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch DispatchMode(s) {
	case "", DispatchPooled:
		return DispatchPooled, nil
	case DispatchSingle:
		return DispatchSingle, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverReserved  DriverStatus = "reserved"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverAvailable, DriverReserved, DriverBusy, DriverOffline:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// Terminal reports whether the offer has been resolved and can no longer change.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferDeclined || s == OfferExpired
}

// EventType is the closed set of telemetry event kinds.
type EventType string

const (
	EventTripQueued            EventType = "trip_queued"
	EventPoolFlushed           EventType = "pool_flushed"
	EventMatchingResult        EventType = "matching_result"
	EventOfferCreated          EventType = "offer_created"
	EventOfferAccepted         EventType = "offer_accepted"
	EventOfferDeclined         EventType = "offer_declined"
	EventOfferTimeout          EventType = "offer_timeout"
	EventSingleDispatchStarted EventType = "single_dispatch_started"
	EventTripNoDriver          EventType = "trip_no_driver"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTripQueued, EventPoolFlushed, EventMatchingResult,
		EventOfferCreated, EventOfferAccepted, EventOfferDeclined, EventOfferTimeout,
		EventSingleDispatchStarted, EventTripNoDriver:
		return true
	}
	return false
}
