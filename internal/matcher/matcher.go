package matcher

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const Strategy = "hungarian_distance_rating"

// DriverSource is the read side of the driver store the matcher needs.
type DriverSource interface {
	FindAvailableInCells(ctx context.Context, cells []string) ([]models.DriverCandidate, error)
}

// Grid is the spatial index used for candidate lookup and the feasibility mask.
type Grid interface {
	Neighborhood(cell string, ring int) []string
	GridDistance(a, b string) (int, error)
}

// Service solves one cell's batch of trips against the available drivers
// around that cell, minimising a blend of pickup distance and driver rating.
type Service struct {
	Drivers DriverSource
	Grid    Grid
	Logger  *zap.Logger
	Now     func() time.Time
}

// Solve never fails on empty input: no trips or no drivers yield a result
// with every trip unassigned. Only a driver store error is returned.
func (s *Service) Solve(ctx context.Context, batch models.PoolBatch) (models.MatchingResult, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	cells := s.Grid.Neighborhood(batch.Cell, eligibleRing)
	drivers, err := s.Drivers.FindAvailableInCells(ctx, cells)
	if err != nil {
		return models.MatchingResult{}, fmt.Errorf("find drivers around %s: %w", batch.Cell, err)
	}

	trips := batch.Trips
	m := buildCostMatrix(trips, drivers, s.Grid)
	assignments, unassigned := s.assign(trips, drivers, m)

	tripIDs := make([]string, len(trips))
	for i, t := range trips {
		tripIDs[i] = t.ID
	}

	result := models.MatchingResult{
		Cell:        batch.Cell,
		TripIDs:     tripIDs,
		Assignments: assignments,
		Unassigned:  unassigned,
		Strategy:    Strategy,
		GeneratedAt: s.now(),
		Metadata:    models.MatchingMetadata{DriversConsidered: len(drivers)},
		Scorecards:  scorecards(trips, drivers, m),
	}

	observability.AssignmentsTotal.Add(float64(len(assignments)))
	observability.UnassignedTotal.Add(float64(len(unassigned)))
	s.logger().Debug("batch solved",
		zap.String("cell", batch.Cell),
		zap.Int("trips", len(trips)),
		zap.Int("drivers", len(drivers)),
		zap.Int("assigned", len(assignments)),
	)
	return result, nil
}

func (s *Service) assign(trips []models.TripRequest, drivers []models.DriverCandidate, m costMatrix) ([]models.MatchingAssignment, []string) {
	assignments := make([]models.MatchingAssignment, 0, min(len(trips), len(drivers)))
	unassigned := make([]string, 0)
	if len(trips) == 0 {
		return assignments, unassigned
	}

	handled := make([]bool, len(trips))
	if len(drivers) > 0 {
		square := padSquare(m.blended, len(trips), len(drivers), NoMatchCost)
		rowToCol := solveAssignment(square)
		usedDrivers := make(map[string]bool, len(drivers))

		for i := range trips {
			j := rowToCol[i]
			if j >= len(drivers) {
				// matched to a padding column
				continue
			}
			handled[i] = true
			d := drivers[j]
			if m.blended[i][j] >= NoMatchCost || !m.isCandidate[i][j] || usedDrivers[d.ID] {
				unassigned = append(unassigned, trips[i].ID)
				continue
			}
			usedDrivers[d.ID] = true
			assignments = append(assignments, models.MatchingAssignment{
				TripID:         trips[i].ID,
				DriverID:       d.ID,
				DriverName:     d.Name,
				DriverStatus:   d.Status,
				DistanceMeters: math.Round(m.distance[i][j]),
			})
		}
	}

	for i, t := range trips {
		if !handled[i] {
			unassigned = append(unassigned, t.ID)
		}
	}
	return assignments, unassigned
}

func scorecards(trips []models.TripRequest, drivers []models.DriverCandidate, m costMatrix) []models.MatchingScorecard {
	out := make([]models.MatchingScorecard, len(trips))
	for i, t := range trips {
		cands := make([]models.CandidateScore, len(drivers))
		for j, d := range drivers {
			cands[j] = models.CandidateScore{
				DriverID:       d.ID,
				DriverName:     d.Name,
				DriverStatus:   d.Status,
				DistanceMeters: math.Round(m.distance[i][j]),
				DistanceScore:  round3(m.distanceScore[i][j]),
				Rating:         d.Rating,
				RatingScore:    round3(m.ratingScore[i][j]),
				BlendedCost:    round3(m.blended[i][j]),
				IsCandidate:    m.isCandidate[i][j],
			}
		}
		out[i] = models.MatchingScorecard{TripID: t.ID, RiderID: t.RiderID, Candidates: cands}
	}
	return out
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}
