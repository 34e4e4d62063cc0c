package queue

import "time"

// QueueStatus is a coarse health label for one counter.
type QueueStatus string

const (
	StatusGood     QueueStatus = "good"
	StatusWarning  QueueStatus = "warning"
	StatusCritical QueueStatus = "critical"
	StatusSlow     QueueStatus = "slow"
)

// CurrentView describes the customer being served at a counter.
type CurrentView struct {
	TrackID int64         `json:"track_id"`
	EntryAt time.Time     `json:"entry_at"`
	StartAt time.Time     `json:"start_at"`
	Elapsed time.Duration `json:"elapsed"`
}

// WaitingView describes one waiting customer.
type WaitingView struct {
	TrackID      int64         `json:"track_id"`
	Rank         int           `json:"rank"`
	EntryAt      time.Time     `json:"entry_at"`
	Waited       time.Duration `json:"waited"`
	WaitEstimate time.Duration `json:"wait_estimate"`
	OverCapacity bool          `json:"over_capacity,omitempty"`
}

// CounterSnapshot is the read-only state of one counter at a frame.
type CounterSnapshot struct {
	ID         int           `json:"id"`
	Lane       LaneType      `json:"lane"`
	Capacity   int           `json:"capacity"`
	Current    *CurrentView  `json:"current,omitempty"`
	Waiting    []WaitingView `json:"waiting"`
	AtCapacity bool          `json:"at_capacity"`
	Status     QueueStatus   `json:"status"`
	Alerts     []Alert       `json:"alerts,omitempty"`

	Served     int           `json:"served"`
	Abandoned  int           `json:"abandoned"`
	AvgService time.Duration `json:"avg_service"`
}

// Length is the number of customers at the counter including the one being
// served.
func (c CounterSnapshot) Length() int {
	n := len(c.Waiting)
	if c.Current != nil {
		n++
	}
	return n
}

// Recommendation is an operator hint derived from queue balance.
type Recommendation struct {
	Type      string `json:"type"`
	CounterID int    `json:"counter_id,omitempty"`
	Message   string `json:"message"`
	Priority  string `json:"priority"`
}

// CounterRanking places one counter by its service performance in the
// current reporting window.
type CounterRanking struct {
	Rank       int           `json:"rank"`
	CounterID  int           `json:"counter_id"`
	Served     int           `json:"served"`
	AvgService time.Duration `json:"avg_service"`
	Score      float64       `json:"score"`
}

// Snapshot is a point-in-time copy of the whole engine state. It is built
// once per frame and never mutated after publication.
type Snapshot struct {
	SessionID string            `json:"session_id"`
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Counters  []CounterSnapshot `json:"counters"`

	// Alerts holds session-wide alerts (those without a counter).
	Alerts          []Alert          `json:"alerts,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Rankings        []CounterRanking `json:"rankings,omitempty"`

	ActiveTracks  int    `json:"active_tracks"`
	UnzonedTracks int    `json:"unzoned_tracks"`
	FramesDone    uint64 `json:"frames_processed"`
	FramesSkipped uint64 `json:"frames_skipped"`
	FramesDropped uint64 `json:"frames_dropped"`
	EventsDropped uint64 `json:"events_dropped"`
	LateRecords   uint64 `json:"late_records"`
	Heals         uint64 `json:"heals"`
}

// Counter returns the snapshot for id, or nil.
func (s *Snapshot) Counter(id int) *CounterSnapshot {
	for i := range s.Counters {
		if s.Counters[i].ID == id {
			return &s.Counters[i]
		}
	}
	return nil
}

// ActiveAlerts returns every standing alert, counter alerts first in counter
// order, then session-wide alerts.
func (s *Snapshot) ActiveAlerts() []Alert {
	var out []Alert
	for _, c := range s.Counters {
		out = append(out, c.Alerts...)
	}
	return append(out, s.Alerts...)
}
