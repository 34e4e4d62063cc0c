// Package zones maps tracked positions onto checkout counter queue areas.
package zones

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/queue.report/internal/queue"
)

// ErrInvalidZone is wrapped by every zone validation failure.
var ErrInvalidZone = errors.New("invalid zone configuration")

// Validate checks zone geometry against the frame size. Zones must have a
// positive size, sit fully inside the frame, carry unique positive ids and a
// known lane type. Two overlapping zones with identical area are rejected
// because the smallest-area rule could not pick between them.
func Validate(zs []queue.Zone, frameWidth, frameHeight float64) error {
	if len(zs) == 0 {
		return fmt.Errorf("%w: no zones configured", ErrInvalidZone)
	}
	if frameWidth <= 0 || frameHeight <= 0 {
		return fmt.Errorf("%w: frame size %gx%g must be positive", ErrInvalidZone, frameWidth, frameHeight)
	}
	frame := queue.BBox{Width: frameWidth, Height: frameHeight}
	seen := make(map[int]bool, len(zs))
	for _, z := range zs {
		if z.ID <= 0 {
			return fmt.Errorf("%w: zone id must be positive, got %d", ErrInvalidZone, z.ID)
		}
		if seen[z.ID] {
			return fmt.Errorf("%w: duplicate zone id %d", ErrInvalidZone, z.ID)
		}
		seen[z.ID] = true
		if z.Bounds.Width <= 0 || z.Bounds.Height <= 0 {
			return fmt.Errorf("%w: zone %d has non-positive size %gx%g", ErrInvalidZone, z.ID, z.Bounds.Width, z.Bounds.Height)
		}
		if !frame.Contains(z.Bounds.X, z.Bounds.Y) || !frame.Contains(z.Bounds.X+z.Bounds.Width, z.Bounds.Y+z.Bounds.Height) {
			return fmt.Errorf("%w: zone %d lies outside the %gx%g frame", ErrInvalidZone, z.ID, frameWidth, frameHeight)
		}
		if z.Lane != queue.LaneRegular && z.Lane != queue.LaneExpress {
			return fmt.Errorf("%w: zone %d has unknown lane type %q", ErrInvalidZone, z.ID, z.Lane)
		}
		if z.Capacity < 0 {
			return fmt.Errorf("%w: zone %d capacity must be non-negative, got %d", ErrInvalidZone, z.ID, z.Capacity)
		}
	}
	for i := range zs {
		for j := i + 1; j < len(zs); j++ {
			a, b := zs[i], zs[j]
			if a.Bounds.Area() == b.Bounds.Area() && overlaps(a.Bounds, b.Bounds) {
				return fmt.Errorf("%w: zones %d and %d overlap with identical area", ErrInvalidZone, a.ID, b.ID)
			}
		}
	}
	return nil
}

func overlaps(a, b queue.BBox) bool {
	return a.X < b.X+b.Width && b.X < a.X+a.Width &&
		a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}

// Config holds mapper tuning.
type Config struct {
	// HysteresisMargin is how far (pixels) a track's reference point may
	// leave its assigned zone before the assignment is dropped.
	HysteresisMargin float64
}

// Mapper assigns tracks to zones. It remembers the last assignment of each
// track so that boundary jitter does not move customers between counters.
type Mapper struct {
	zones    []queue.Zone // sorted by id
	byID     map[int]int
	margin   float64
	assigned map[int64]int
}

// NewMapper validates the zones and returns a mapper over them.
func NewMapper(zs []queue.Zone, frameWidth, frameHeight float64, cfg Config) (*Mapper, error) {
	if err := Validate(zs, frameWidth, frameHeight); err != nil {
		return nil, err
	}
	if cfg.HysteresisMargin < 0 {
		return nil, fmt.Errorf("%w: hysteresis margin must be non-negative, got %g", ErrInvalidZone, cfg.HysteresisMargin)
	}
	sorted := append([]queue.Zone(nil), zs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	byID := make(map[int]int, len(sorted))
	for i, z := range sorted {
		byID[z.ID] = i
	}
	return &Mapper{
		zones:    sorted,
		byID:     byID,
		margin:   cfg.HysteresisMargin,
		assigned: make(map[int64]int),
	}, nil
}

// Zones returns the configured zones ordered by id.
func (m *Mapper) Zones() []queue.Zone {
	return append([]queue.Zone(nil), m.zones...)
}

// Zone looks up a zone by id.
func (m *Mapper) Zone(id int) (queue.Zone, bool) {
	i, ok := m.byID[id]
	if !ok {
		return queue.Zone{}, false
	}
	return m.zones[i], true
}

// Map returns the zone for the track's foot point, or ok=false when the
// track is unzoned.
func (m *Mapper) Map(t queue.Track) (int, bool) {
	x, y := t.Box.FootPoint()

	if id, ok := m.assigned[t.ID]; ok {
		z := m.zones[m.byID[id]]
		if z.Bounds.Expand(m.margin).Contains(x, y) {
			return id, true
		}
		delete(m.assigned, t.ID)
	}

	id, ok := m.locate(x, y)
	if ok {
		m.assigned[t.ID] = id
	}
	return id, ok
}

// locate applies the smallest-area rule. Zones are scanned in id order so a
// strict comparison keeps the lowest id on equal areas.
func (m *Mapper) locate(x, y float64) (int, bool) {
	best := -1
	for i, z := range m.zones {
		if !z.Bounds.Contains(x, y) {
			continue
		}
		if best < 0 || z.Bounds.Area() < m.zones[best].Bounds.Area() {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return m.zones[best].ID, true
}

// Forget drops hysteresis memory for a track that no longer exists.
func (m *Mapper) Forget(trackID int64) {
	delete(m.assigned, trackID)
}
