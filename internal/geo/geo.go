package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/uber/h3-go/v4"
)

const (
	DefaultResolution = 8
	MaxResolution     = 15

	earthRadiusMeters = 6371000.0
)

var ErrInvalidCell = errors.New("invalid cell id")

// Index maps coordinates onto hexagonal H3 cells at a fixed resolution.
type Index struct {
	resolution int
}

// NewIndex falls back to DefaultResolution when res is out of range.
func NewIndex(res int) *Index {
	if res < 0 || res > MaxResolution {
		res = DefaultResolution
	}
	return &Index{resolution: res}
}

func (g *Index) Resolution() int { return g.resolution }

// CellFor returns the cell containing (lat, lng) at the index resolution.
func (g *Index) CellFor(lat, lng float64) (string, error) {
	return CellAt(lat, lng, g.resolution)
}

func CellAt(lat, lng float64, res int) (string, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", fmt.Errorf("coordinates out of range: %f,%f", lat, lng)
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), res)
	if err != nil {
		return "", fmt.Errorf("cell for %f,%f: %w", lat, lng, err)
	}
	return c.String(), nil
}

// Neighborhood returns the cell and every cell within ring steps of it, sorted.
// A malformed cell degrades to the singleton {cell}.
func (g *Index) Neighborhood(cell string, ring int) []string {
	if ring < 0 {
		ring = 0
	}
	c, err := parseCell(cell)
	if err != nil {
		return []string{cell}
	}
	disk, err := h3.GridDisk(c, ring)
	if err != nil || len(disk) == 0 {
		return []string{cell}
	}
	seen := make(map[string]struct{}, len(disk)+1)
	out := make([]string, 0, len(disk)+1)
	seen[cell] = struct{}{}
	out = append(out, cell)
	for _, n := range disk {
		if n == 0 {
			continue
		}
		id := n.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GridDistance is the number of grid steps between two cells.
func (g *Index) GridDistance(a, b string) (int, error) {
	ca, err := parseCell(a)
	if err != nil {
		return 0, err
	}
	cb, err := parseCell(b)
	if err != nil {
		return 0, err
	}
	if ca == cb {
		return 0, nil
	}
	d, err := h3.GridDistance(ca, cb)
	if err != nil {
		return 0, fmt.Errorf("grid distance %s -> %s: %w", a, b, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("grid distance %s -> %s undefined", a, b)
	}
	return d, nil
}

func parseCell(s string) (h3.Cell, error) {
	if s == "" {
		return 0, ErrInvalidCell
	}
	c := h3.Cell(h3.IndexFromString(s))
	if !c.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCell, s)
	}
	return c, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
