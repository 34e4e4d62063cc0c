package queue

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BBox is an axis-aligned bounding box in frame pixel coordinates.
// (X, Y) is the top-left corner.
type BBox struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Area returns the box area, zero for degenerate boxes.
func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Centroid returns the box center.
func (b BBox) Centroid() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// FootPoint returns the bottom-center of the box, used as a proxy for where
// the person is standing.
func (b BBox) FootPoint() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height
}

// Contains reports whether (x, y) lies inside the box, edges inclusive.
func (b BBox) Contains(x, y float64) bool {
	return x >= b.X && x <= b.X+b.Width && y >= b.Y && y <= b.Y+b.Height
}

// Expand grows the box by margin on every side. Negative margins shrink it.
func (b BBox) Expand(margin float64) BBox {
	return BBox{
		X:      b.X - margin,
		Y:      b.Y - margin,
		Width:  b.Width + 2*margin,
		Height: b.Height + 2*margin,
	}
}

// IoU returns the intersection-over-union of two boxes in [0, 1].
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b.X, o.X)
	y1 := math.Max(b.Y, o.Y)
	x2 := math.Min(b.X+b.Width, o.X+o.Width)
	y2 := math.Min(b.Y+b.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is a single person bounding box produced by a detector for one
// frame. Detections are unlabeled and consumed once.
type Detection struct {
	Box        BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Frame is one unit of pipeline input: the detections found in a video frame
// plus the frame's monotonic capture timestamp.
type Frame struct {
	Seq        uint64      `json:"seq"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
}

// Track links detections of the same physical person across frames.
type Track struct {
	ID        int64     `json:"id"`
	Box       BBox      `json:"bbox"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Misses    int       `json:"misses"`
}

// LaneType distinguishes express from regular checkout lanes.
type LaneType string

const (
	LaneRegular LaneType = "REGULAR"
	LaneExpress LaneType = "EXPRESS"
)

// ParseLaneType accepts lane names case-insensitively. An empty string is
// treated as a regular lane.
func ParseLaneType(s string) (LaneType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(LaneRegular):
		return LaneRegular, nil
	case string(LaneExpress):
		return LaneExpress, nil
	default:
		return "", fmt.Errorf("unknown lane type %q", s)
	}
}

// Zone is the queue area in front of one checkout counter.
type Zone struct {
	ID       int      `json:"id"`
	Bounds   BBox     `json:"bounds"`
	Lane     LaneType `json:"lane"`
	Capacity int      `json:"capacity"`

	// OptimalLength and MaxWait drive the queue status label.
	OptimalLength int           `json:"optimal_length"`
	MaxWait       time.Duration `json:"max_wait"`
}

// EntryState is the lifecycle state of a queue entry.
type EntryState string

const (
	StateWaiting   EntryState = "WAITING"
	StateCurrent   EntryState = "CURRENT"
	StateCompleted EntryState = "COMPLETED"
)

// QueueEntry is a customer's record within one counter's queue.
type QueueEntry struct {
	TrackID   int64      `json:"track_id"`
	CounterID int        `json:"counter_id"`
	Position  int        `json:"position"`
	State     EntryState `json:"state"`
	EntryAt   time.Time  `json:"entry_at"`
	StartAt   time.Time  `json:"start_at,omitempty"`
	EndAt     time.Time  `json:"end_at,omitempty"`
	LastSeen  time.Time  `json:"last_seen"`

	// OverCapacity is set when the customer joined while the waiting line was
	// already at the counter's capacity limit.
	OverCapacity bool `json:"over_capacity,omitempty"`
}

// ServiceRecord is the finalized outcome of one completed service.
type ServiceRecord struct {
	CounterID       int           `json:"counter_id"`
	TrackID         int64         `json:"track_id"`
	Lane            LaneType      `json:"lane"`
	EntryAt         time.Time     `json:"entry_at"`
	StartAt         time.Time     `json:"start_at"`
	EndAt           time.Time     `json:"end_at"`
	ServiceDuration time.Duration `json:"service_duration"`
	WaitDuration    time.Duration `json:"wait_duration"`
}

// NewServiceRecord derives durations from a completed entry.
func NewServiceRecord(e QueueEntry, lane LaneType) ServiceRecord {
	return ServiceRecord{
		CounterID:       e.CounterID,
		TrackID:         e.TrackID,
		Lane:            lane,
		EntryAt:         e.EntryAt,
		StartAt:         e.StartAt,
		EndAt:           e.EndAt,
		ServiceDuration: e.EndAt.Sub(e.StartAt),
		WaitDuration:    e.StartAt.Sub(e.EntryAt),
	}
}

// AlertKind identifies the rule that produced an alert.
type AlertKind string

const (
	AlertLongService     AlertKind = "LONG_SERVICE"
	AlertQueueBottleneck AlertKind = "QUEUE_BOTTLENECK"
	AlertLowThroughput   AlertKind = "LOW_THROUGHPUT"
)

// AlertKinds lists every kind in a stable order.
var AlertKinds = []AlertKind{AlertLongService, AlertQueueBottleneck, AlertLowThroughput}

// Alert is a threshold breach. CounterID is zero for session-wide alerts.
type Alert struct {
	ID        string     `json:"id"`
	Kind      AlertKind  `json:"kind"`
	CounterID int        `json:"counter_id,omitempty"`
	TrackID   int64      `json:"track_id,omitempty"`
	RaisedAt  time.Time  `json:"raised_at"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message,omitempty"`
}

// Active reports whether the alert is still standing.
func (a Alert) Active() bool { return a.ClearedAt == nil }

// TransitionType tells whether an alert was raised or cleared.
type TransitionType string

const (
	TransitionRaised  TransitionType = "raised"
	TransitionCleared TransitionType = "cleared"
)

// AlertTransition is emitted once when an alert is raised and once when it
// is cleared.
type AlertTransition struct {
	Type  TransitionType `json:"type"`
	Alert Alert          `json:"alert"`
}
