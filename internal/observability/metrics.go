package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Matching solve latency seconds"})
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Trips assigned a driver by the matcher"})
	UnassignedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "unassigned_total", Help: "Trips left unassigned by the matcher"})

	FlushesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pool_flushes_total", Help: "Non-empty pool batches flushed"})
	PooledTrips  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "pooled_trips", Help: "Trips currently waiting in pool batches"})

	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_created_total", Help: "Offers created after a successful reservation"})
	OfferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_outcomes_total", Help: "Resolved offers by final status"},
		[]string{"status"},
	)
	ReservationConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reservation_conflicts_total", Help: "Assignments requeued instead of offered"},
		[]string{"reason"},
	)

	TelemetrySinkErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "telemetry_sink_errors_total", Help: "Telemetry events a sink failed to publish"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
