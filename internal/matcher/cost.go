package matcher

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	// NoMatchCost marks infeasible pairs; it dominates any blended cost, which is at most 1.
	NoMatchCost = 9999.0

	distanceWeight = 0.5
	ratingWeight   = 0.5
	maxRating      = 5.0
	eligibleRing   = 1
)

// costMatrix holds the per-pair inputs of the assignment, indexed [trip][driver].
type costMatrix struct {
	distance      [][]float64
	isCandidate   [][]bool
	distanceScore [][]float64
	ratingScore   [][]float64
	blended       [][]float64
}

func buildCostMatrix(trips []models.TripRequest, drivers []models.DriverCandidate, grid Grid) costMatrix {
	m := costMatrix{
		distance:      newMatrix(len(trips), len(drivers)),
		isCandidate:   make([][]bool, len(trips)),
		distanceScore: newMatrix(len(trips), len(drivers)),
		ratingScore:   newMatrix(len(trips), len(drivers)),
		blended:       newMatrix(len(trips), len(drivers)),
	}

	maxDistance := 0.0
	for i, t := range trips {
		m.isCandidate[i] = make([]bool, len(drivers))
		for j, d := range drivers {
			dist := geo.Haversine(t.Pickup.Lat, t.Pickup.Lng, d.Location.Lat, d.Location.Lng)
			m.distance[i][j] = dist
			if dist > maxDistance {
				maxDistance = dist
			}
			m.isCandidate[i][j] = withinRing(grid, t.Pickup.Cell, d.Location.Cell)
		}
	}
	if maxDistance == 0 {
		maxDistance = 1
	}

	for i := range trips {
		for j, d := range drivers {
			ds := math.Min(m.distance[i][j]/maxDistance, 1)
			rs := 1 - clamp(d.Rating/maxRating, 0, 1)
			m.distanceScore[i][j] = ds
			m.ratingScore[i][j] = rs
			if m.isCandidate[i][j] {
				m.blended[i][j] = distanceWeight*ds + ratingWeight*rs
			} else {
				m.blended[i][j] = NoMatchCost
			}
		}
	}
	return m
}

// withinRing treats any failure to compute the grid distance as "not a candidate".
func withinRing(grid Grid, a, b string) bool {
	d, err := grid.GridDistance(a, b)
	if err != nil {
		return false
	}
	return d <= eligibleRing
}

func newMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
