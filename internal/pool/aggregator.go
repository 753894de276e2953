package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Solver interface {
	Solve(ctx context.Context, batch models.PoolBatch) (models.MatchingResult, error)
}

type CellLocator interface {
	CellFor(lat, lng float64) (string, error)
}

type EventRecorder interface {
	Record(ctx context.Context, typ models.EventType, data map[string]any)
}

// OutcomeHandler turns a flushed batch's result into offers. It runs with no
// aggregator lock held and may call Enqueue.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, result models.MatchingResult)
}

type entry struct {
	trip models.TripRequest
	seq  uint64
}

type slot struct {
	flushMu sync.Mutex // serializes flushes of this cell

	mu          sync.Mutex
	cell        string
	entries     []entry
	windowStart time.Time
	updatedAt   time.Time
	removed     bool
}

// Aggregator groups queued trips by pickup cell until the cell is flushed.
// Enqueues to different cells never contend on the same lock.
type Aggregator struct {
	mu    sync.RWMutex
	slots map[string]*slot
	seq   uint64 // guarded by mu (write)

	cells   CellLocator
	solver  Solver
	events  EventRecorder
	handler OutcomeHandler
	logger  *zap.Logger
	now     func() time.Time
}

func NewAggregator(cells CellLocator, solver Solver, events EventRecorder, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		slots:  make(map[string]*slot),
		cells:  cells,
		solver: solver,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// SetOutcomeHandler must be called before the first Flush.
func (a *Aggregator) SetOutcomeHandler(h OutcomeHandler) { a.handler = h }

func (a *Aggregator) nextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

func (a *Aggregator) slotFor(cell string) *slot {
	a.mu.RLock()
	s, ok := a.slots[cell]
	a.mu.RUnlock()
	if ok {
		return s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.slots[cell]; ok {
		return s
	}
	now := a.now()
	s = &slot{cell: cell, windowStart: now, updatedAt: now}
	a.slots[cell] = s
	return s
}

// Enqueue places trip in its pickup cell's batch, replacing any entry with the
// same id. Trips already marked no_driver are ignored.
func (a *Aggregator) Enqueue(ctx context.Context, trip models.TripRequest) error {
	if trip.Status == models.TripNoDriver {
		a.logger.Debug("ignoring trip with no_driver status", zap.String("trip_id", trip.ID))
		return nil
	}
	cell := trip.Pickup.Cell
	if cell == "" {
		c, err := a.cells.CellFor(trip.Pickup.Lat, trip.Pickup.Lng)
		if err != nil {
			return err
		}
		cell = c
		trip.Pickup.Cell = c
	}

	e := entry{trip: trip, seq: a.nextSeq()}
	for {
		s := a.slotFor(cell)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		kept := s.entries[:0]
		for _, existing := range s.entries {
			if existing.trip.ID != trip.ID {
				kept = append(kept, existing)
			}
		}
		s.entries = append(kept, e)
		s.updatedAt = a.now()
		s.mu.Unlock()
		break
	}
	observability.PooledTrips.Set(float64(a.pooledCount()))

	a.events.Record(ctx, models.EventTripQueued, map[string]any{
		"cellId":  cell,
		"tripId":  trip.ID,
		"riderId": trip.RiderID,
		"status":  string(trip.Status),
	})
	return nil
}

func (a *Aggregator) allSlots() []*slot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*slot, 0, len(a.slots))
	for _, s := range a.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cell < out[j].cell })
	return out
}

func (a *Aggregator) pooledCount() int {
	n := 0
	for _, s := range a.allSlots() {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (s *slot) batch() models.PoolBatch {
	trips := make([]models.TripRequest, len(s.entries))
	for i, e := range s.entries {
		trips[i] = e.trip
	}
	return models.PoolBatch{Cell: s.cell, Trips: trips, WindowStart: s.windowStart, UpdatedAt: s.updatedAt}
}

// Snapshot returns the non-empty batches ordered by cell id.
func (a *Aggregator) Snapshot() []models.PoolBatch {
	out := make([]models.PoolBatch, 0)
	for _, s := range a.allSlots() {
		s.mu.Lock()
		if len(s.entries) > 0 && !s.removed {
			out = append(out, s.batch())
		}
		s.mu.Unlock()
	}
	return out
}

// Flush solves the batch of cell, or of every non-empty cell when cell is
// empty, and hands each result to the outcome handler. Empty and unknown
// cells are skipped without telemetry.
func (a *Aggregator) Flush(ctx context.Context, cell string) []models.MatchingResult {
	var targets []*slot
	if cell != "" {
		a.mu.RLock()
		s, ok := a.slots[cell]
		a.mu.RUnlock()
		if ok {
			targets = []*slot{s}
		}
	} else {
		targets = a.allSlots()
	}

	results := make([]models.MatchingResult, 0, len(targets))
	for _, s := range targets {
		if r, ok := a.flushSlot(ctx, s); ok {
			results = append(results, r)
		}
	}
	if len(results) == 0 {
		a.logger.Debug("no pools to flush", zap.String("cell", cell))
	}
	observability.PooledTrips.Set(float64(a.pooledCount()))
	return results
}

func (a *Aggregator) flushSlot(ctx context.Context, s *slot) (models.MatchingResult, bool) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.removed || len(s.entries) == 0 {
		s.mu.Unlock()
		return models.MatchingResult{}, false
	}
	batch := s.batch()
	captured := make(map[string]uint64, len(s.entries))
	for _, e := range s.entries {
		captured[e.trip.ID] = e.seq
	}
	s.mu.Unlock()

	result, err := a.solver.Solve(ctx, batch)
	if err != nil {
		// trips stay queued for the next window
		a.logger.Error("matching failed", zap.String("cell", batch.Cell), zap.Error(err))
		return models.MatchingResult{}, false
	}
	observability.FlushesTotal.Inc()

	a.events.Record(ctx, models.EventPoolFlushed, map[string]any{
		"cellId":      batch.Cell,
		"tripCount":   len(batch.Trips),
		"assignments": result.Assignments,
		"unassigned":  result.Unassigned,
	})
	a.events.Record(ctx, models.EventMatchingResult, map[string]any{
		"cellId":      batch.Cell,
		"assignments": result.Assignments,
		"unassigned":  result.Unassigned,
		"strategy":    result.Strategy,
		"metadata":    result.Metadata,
	})

	if a.handler != nil {
		a.handler.HandleOutcome(ctx, result)
	}

	// Only drop what was solved; entries re-enqueued meanwhile carry a newer seq.
	s.mu.Lock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if seq, ok := captured[e.trip.ID]; ok && seq == e.seq {
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	now := a.now()
	s.windowStart = now
	s.updatedAt = now
	s.mu.Unlock()

	return result, true
}

// Prune drops empty batches untouched for longer than idle. Batches being
// flushed are left alone.
func (a *Aggregator) Prune(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := a.now().Add(-idle)
	pruned := 0
	for _, s := range a.allSlots() {
		if !s.flushMu.TryLock() {
			continue
		}
		s.mu.Lock()
		if len(s.entries) == 0 && s.updatedAt.Before(cutoff) {
			s.removed = true
			a.mu.Lock()
			if a.slots[s.cell] == s {
				delete(a.slots, s.cell)
			}
			a.mu.Unlock()
			pruned++
		}
		s.mu.Unlock()
		s.flushMu.Unlock()
	}
	return pruned
}
