// Package alerts raises and clears threshold alerts from per-frame queue
// observations.
//
// Every rule is edge-triggered: a transition is emitted when a condition
// starts holding and again when it stops, never while it persists.
package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/queue.report/internal/queue"
)

// Config holds alert thresholds. A zero threshold disables its rule.
type Config struct {
	LongService        time.Duration
	BottleneckLength   int
	BottleneckDebounce time.Duration
	ThroughputWindow   time.Duration
	MinCompletions     int
	History            int // Cleared alerts retained
}

// CounterObservation is what the evaluator needs to know about one counter.
type CounterObservation struct {
	ID       int
	Capacity int

	// CurrentTrackID is zero when nobody is being served.
	CurrentTrackID int64
	Elapsed        time.Duration
	Waiting        int
}

// Observation is the input to one evaluation.
type Observation struct {
	Counters []CounterObservation

	// Completions within the throughput window ending at the evaluation
	// time, across all counters.
	Completions int
}

// Evaluator holds alert state across frames.
type Evaluator struct {
	cfg     Config
	started time.Time

	longService map[int]*queue.Alert
	bottleneck  map[int]*queue.Alert
	pending     map[int]time.Time // bottleneck condition first held
	throughput  *queue.Alert

	history []queue.Alert
}

// NewEvaluator returns an evaluator with no standing alerts.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.History <= 0 {
		cfg.History = 1000
	}
	return &Evaluator{
		cfg:         cfg,
		longService: make(map[int]*queue.Alert),
		bottleneck:  make(map[int]*queue.Alert),
		pending:     make(map[int]time.Time),
	}
}

// Evaluate applies every rule to obs and returns the transitions it caused,
// ordered by counter id with session-wide alerts last.
func (e *Evaluator) Evaluate(obs Observation, now time.Time) []queue.AlertTransition {
	if e.started.IsZero() {
		e.started = now
	}
	counters := append([]CounterObservation(nil), obs.Counters...)
	sort.Slice(counters, func(i, j int) bool { return counters[i].ID < counters[j].ID })

	var out []queue.AlertTransition
	for _, c := range counters {
		out = e.evalLongService(out, c, now)
		out = e.evalBottleneck(out, c, now)
	}
	return e.evalThroughput(out, obs.Completions, now)
}

func (e *Evaluator) evalLongService(out []queue.AlertTransition, c CounterObservation, now time.Time) []queue.AlertTransition {
	if e.cfg.LongService <= 0 {
		return out
	}
	active := e.longService[c.ID]
	holds := c.CurrentTrackID != 0 && c.Elapsed >= e.cfg.LongService

	if active != nil && (!holds || active.TrackID != c.CurrentTrackID) {
		out = append(out, e.clear(active, now))
		delete(e.longService, c.ID)
		active = nil
	}
	if holds && active == nil {
		a := e.raise(queue.AlertLongService, c.ID, c.CurrentTrackID, now,
			c.Elapsed.Seconds(), e.cfg.LongService.Seconds(),
			fmt.Sprintf("counter %d: track %d in service for %s", c.ID, c.CurrentTrackID, c.Elapsed.Round(time.Second)))
		e.longService[c.ID] = a
		out = append(out, queue.AlertTransition{Type: queue.TransitionRaised, Alert: *a})
	}
	return out
}

// BottleneckThreshold is the waiting length that triggers QUEUE_BOTTLENECK:
// the configured length, or the zone capacity when that is smaller. Zero
// means the rule is off for the counter.
func BottleneckThreshold(configured, capacity int) int {
	switch {
	case configured > 0 && capacity > 0:
		return min(configured, capacity)
	case configured > 0:
		return configured
	case capacity > 0:
		return capacity
	}
	return 0
}

func (e *Evaluator) evalBottleneck(out []queue.AlertTransition, c CounterObservation, now time.Time) []queue.AlertTransition {
	threshold := BottleneckThreshold(e.cfg.BottleneckLength, c.Capacity)
	holds := threshold > 0 && c.Waiting >= threshold
	active := e.bottleneck[c.ID]

	if !holds {
		delete(e.pending, c.ID)
		if active != nil {
			out = append(out, e.clear(active, now))
			delete(e.bottleneck, c.ID)
		}
		return out
	}
	if active != nil {
		active.Value = float64(c.Waiting)
		return out
	}
	since, ok := e.pending[c.ID]
	if !ok {
		since = now
		e.pending[c.ID] = now
	}
	if now.Sub(since) < e.cfg.BottleneckDebounce {
		return out
	}
	delete(e.pending, c.ID)
	a := e.raise(queue.AlertQueueBottleneck, c.ID, 0, now,
		float64(c.Waiting), float64(threshold),
		fmt.Sprintf("counter %d: %d waiting (threshold %d)", c.ID, c.Waiting, threshold))
	e.bottleneck[c.ID] = a
	return append(out, queue.AlertTransition{Type: queue.TransitionRaised, Alert: *a})
}

func (e *Evaluator) evalThroughput(out []queue.AlertTransition, completions int, now time.Time) []queue.AlertTransition {
	if e.cfg.MinCompletions <= 0 || e.cfg.ThroughputWindow <= 0 {
		return out
	}
	if now.Sub(e.started) < e.cfg.ThroughputWindow {
		return out
	}
	holds := completions < e.cfg.MinCompletions
	switch {
	case holds && e.throughput == nil:
		e.throughput = e.raise(queue.AlertLowThroughput, 0, 0, now,
			float64(completions), float64(e.cfg.MinCompletions),
			fmt.Sprintf("%d completions in the last %s, want %d", completions, e.cfg.ThroughputWindow, e.cfg.MinCompletions))
		out = append(out, queue.AlertTransition{Type: queue.TransitionRaised, Alert: *e.throughput})
	case !holds && e.throughput != nil:
		out = append(out, e.clear(e.throughput, now))
		e.throughput = nil
	}
	return out
}

var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://queue.report/alerts"))

// AlertID derives a stable identifier so that replaying the same input
// produces the same ids.
func AlertID(kind queue.AlertKind, counterID int, trackID int64, raisedAt time.Time) string {
	key := fmt.Sprintf("%s/%d/%d/%d", kind, counterID, trackID, raisedAt.UnixNano())
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}

func (e *Evaluator) raise(kind queue.AlertKind, counterID int, trackID int64, now time.Time, value, threshold float64, msg string) *queue.Alert {
	return &queue.Alert{
		ID:        AlertID(kind, counterID, trackID, now),
		Kind:      kind,
		CounterID: counterID,
		TrackID:   trackID,
		RaisedAt:  now,
		Value:     value,
		Threshold: threshold,
		Message:   msg,
	}
}

func (e *Evaluator) clear(a *queue.Alert, now time.Time) queue.AlertTransition {
	cleared := *a
	at := now
	cleared.ClearedAt = &at
	e.history = append(e.history, cleared)
	if over := len(e.history) - e.cfg.History; over > 0 {
		e.history = append([]queue.Alert(nil), e.history[over:]...)
	}
	return queue.AlertTransition{Type: queue.TransitionCleared, Alert: cleared}
}

// Active returns every standing alert, counter alerts by counter id and
// kind, then session-wide alerts.
func (e *Evaluator) Active() []queue.Alert {
	var out []queue.Alert
	for _, a := range e.longService {
		out = append(out, *a)
	}
	for _, a := range e.bottleneck {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CounterID != out[j].CounterID {
			return out[i].CounterID < out[j].CounterID
		}
		return out[i].Kind < out[j].Kind
	})
	if e.throughput != nil {
		out = append(out, *e.throughput)
	}
	return out
}

// ActiveFor returns the standing alerts of one counter.
func (e *Evaluator) ActiveFor(counterID int) []queue.Alert {
	var out []queue.Alert
	if a := e.longService[counterID]; a != nil {
		out = append(out, *a)
	}
	if a := e.bottleneck[counterID]; a != nil {
		out = append(out, *a)
	}
	return out
}

// SessionActive returns the standing alerts that are not tied to a counter.
func (e *Evaluator) SessionActive() []queue.Alert {
	if e.throughput == nil {
		return nil
	}
	return []queue.Alert{*e.throughput}
}

// History returns cleared alerts, oldest first.
func (e *Evaluator) History() []queue.Alert {
	return append([]queue.Alert(nil), e.history...)
}
