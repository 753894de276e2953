package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	DefaultCapacity = 200

	sinkBuffer = 256
)

// Sink receives a copy of every recorded event, e.g. to publish it to Kafka.
type Sink interface {
	Publish(ctx context.Context, ev models.TelemetryEvent) error
}

// Recorder keeps a bounded, newest-first log of dispatch lifecycle events.
// Recording never fails the caller: unknown types and sink errors are logged.
type Recorder struct {
	mu       sync.RWMutex
	events   []models.TelemetryEvent // oldest first
	capacity int

	sinks   []Sink
	pending chan models.TelemetryEvent

	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(capacity int, logger *zap.Logger, sinks ...Sink) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		events:   make([]models.TelemetryEvent, 0, capacity),
		capacity: capacity,
		sinks:    sinks,
		logger:   logger,
		now:      time.Now,
	}
	if len(sinks) > 0 {
		r.pending = make(chan models.TelemetryEvent, sinkBuffer)
	}
	return r
}

// Record appends an event stamped with the current time.
func (r *Recorder) Record(ctx context.Context, typ models.EventType, data map[string]any) {
	r.RecordAt(ctx, typ, data, time.Time{})
}

// RecordAt appends an event with an explicit timestamp; a zero ts means now.
func (r *Recorder) RecordAt(_ context.Context, typ models.EventType, data map[string]any, ts time.Time) {
	if !typ.Valid() {
		r.logger.Warn("dropping telemetry event with unknown type", zap.String("type", string(typ)))
		return
	}
	if ts.IsZero() {
		ts = r.now()
	}
	if data == nil {
		data = map[string]any{}
	}
	ev := models.TelemetryEvent{ID: uuid.NewString(), Timestamp: ts, Type: typ, Data: data}

	r.mu.Lock()
	r.events = append(r.events, ev)
	if over := len(r.events) - r.capacity; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
	r.mu.Unlock()

	if r.pending != nil {
		select {
		case r.pending <- ev:
		default:
			observability.TelemetrySinkErrors.Inc()
			r.logger.Warn("telemetry sink buffer full, event not published", zap.String("type", string(typ)))
		}
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (r *Recorder) Recent(limit int) []models.TelemetryEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.TelemetryEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.events[i])
	}
	return out
}

// Run forwards recorded events to the sinks until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	if r.pending == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.pending:
			r.publish(ctx, ev)
		}
	}
}

func (r *Recorder) publish(ctx context.Context, ev models.TelemetryEvent) {
	for _, s := range r.sinks {
		if err := r.safePublish(ctx, s, ev); err != nil {
			observability.TelemetrySinkErrors.Inc()
			r.logger.Warn("telemetry sink publish failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
}

func (r *Recorder) safePublish(ctx context.Context, s Sink, ev models.TelemetryEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panic: %v", rec)
		}
	}()
	return s.Publish(ctx, ev)
}
