// Package metrics rolls service records and alerts up into fixed time
// buckets at one or more granularities.
//
// Each granularity keeps its own series of buckets aligned to
// time.Truncate. A bucket stays open while late records for its window may
// still arrive, then it is finalized once and never reopened.
package metrics

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/queue.report/internal/queue"
)

// Config controls bucketing.
type Config struct {
	Granularities []time.Duration
	TargetService time.Duration // Service time that scores an efficiency of 1

	// Lateness holds a window open after its end so records completed
	// shortly afterwards can still land in it.
	Lateness time.Duration

	// History is the number of finalized buckets retained per granularity.
	History int

	// RollingWindow bounds how far back Completions can look.
	RollingWindow time.Duration
}

type series struct {
	gran        time.Duration
	open        []*queue.MetricBucket // ascending start
	closed      []*queue.MetricBucket
	closedUntil time.Time
}

// Aggregator accumulates records into buckets. It is not safe for
// concurrent use.
type Aggregator struct {
	cfg    Config
	series []*series // ascending granularity

	completions []time.Time
	late        uint64
}

// NewAggregator validates cfg and returns an empty aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if len(cfg.Granularities) == 0 {
		return nil, fmt.Errorf("at least one bucket granularity is required")
	}
	grans := append([]time.Duration(nil), cfg.Granularities...)
	sort.Slice(grans, func(i, j int) bool { return grans[i] < grans[j] })
	a := &Aggregator{cfg: cfg}
	for i, g := range grans {
		if g <= 0 {
			return nil, fmt.Errorf("bucket granularity must be positive, got %s", g)
		}
		if i > 0 && grans[i-1] == g {
			continue
		}
		a.series = append(a.series, &series{gran: g})
	}
	if a.cfg.History <= 0 {
		a.cfg.History = 48
	}
	return a, nil
}

// Granularities returns the configured bucket widths, ascending.
func (a *Aggregator) Granularities() []time.Duration {
	out := make([]time.Duration, len(a.series))
	for i, s := range a.series {
		out[i] = s.gran
	}
	return out
}

// bucketFor returns the open bucket covering t, opening it if needed. It
// returns nil when t falls in a window that has already been finalized.
func (s *series) bucketFor(t time.Time) *queue.MetricBucket {
	if !s.closedUntil.IsZero() && t.Before(s.closedUntil) {
		return nil
	}
	start := t.Truncate(s.gran)
	i := sort.Search(len(s.open), func(i int) bool { return !s.open[i].Start.Before(start) })
	if i < len(s.open) && s.open[i].Start.Equal(start) {
		return s.open[i]
	}
	b := queue.NewMetricBucket(s.gran, start)
	s.open = append(s.open, nil)
	copy(s.open[i+1:], s.open[i:])
	s.open[i] = b
	return b
}

// Ingest adds a completed service, keyed by its end time. Records for a
// finalized window are counted as late and dropped.
func (a *Aggregator) Ingest(r queue.ServiceRecord) {
	a.completions = append(a.completions, r.EndAt)
	dropped := false
	for _, s := range a.series {
		b := s.bucketFor(r.EndAt)
		if b == nil {
			dropped = true
			continue
		}
		stats := b.Counters[r.CounterID]
		if stats == nil {
			stats = &queue.ServiceStats{}
			b.Counters[r.CounterID] = stats
		}
		stats.Add(r)
		lane := b.Lanes[r.Lane]
		if lane == nil {
			lane = &queue.ServiceStats{}
			b.Lanes[r.Lane] = lane
		}
		lane.Add(r)
		b.Aggregate.Add(r)
	}
	if dropped {
		a.late++
	}
}

// IngestAlert counts raised alerts. Clear transitions are ignored.
func (a *Aggregator) IngestAlert(tr queue.AlertTransition) {
	if tr.Type != queue.TransitionRaised {
		return
	}
	for _, s := range a.series {
		if b := s.bucketFor(tr.Alert.RaisedAt); b != nil {
			b.AlertCounts[tr.Alert.Kind]++
		}
	}
}

// IngestAbandoned counts a customer who left the line unserved at t.
func (a *Aggregator) IngestAbandoned(t time.Time) {
	for _, s := range a.series {
		if b := s.bucketFor(t); b != nil {
			b.Abandoned++
		}
	}
}

// Advance opens the bucket covering now and finalizes every open bucket
// whose window, plus the lateness allowance, has passed. A non-zero
// watermark is the earliest end time a record still pending upstream can
// carry; windows ending after it stay open until it moves past them.
// Finalized buckets are returned in granularity then start order.
func (a *Aggregator) Advance(now, watermark time.Time) []*queue.MetricBucket {
	var out []*queue.MetricBucket
	for _, s := range a.series {
		s.bucketFor(now)
		kept := s.open[:0]
		for _, b := range s.open {
			if now.Before(b.End.Add(a.cfg.Lateness)) || (!watermark.IsZero() && watermark.Before(b.End)) {
				kept = append(kept, b)
				continue
			}
			out = append(out, a.finalize(s, b))
		}
		s.open = kept
	}
	a.pruneCompletions(now)
	return out
}

// Flush finalizes every open bucket regardless of its window. Used at
// session end.
func (a *Aggregator) Flush(now time.Time) []*queue.MetricBucket {
	var out []*queue.MetricBucket
	for _, s := range a.series {
		for _, b := range s.open {
			out = append(out, a.finalize(s, b))
		}
		s.open = nil
		if s.closedUntil.Before(now) {
			s.closedUntil = now
		}
	}
	return out
}

func (a *Aggregator) finalize(s *series, b *queue.MetricBucket) *queue.MetricBucket {
	Derive(b, a.cfg.TargetService)
	b.Finalized = true
	if b.End.After(s.closedUntil) {
		s.closedUntil = b.End
	}
	s.closed = append(s.closed, b)
	if over := len(s.closed) - a.cfg.History; over > 0 {
		s.closed = append([]*queue.MetricBucket(nil), s.closed[over:]...)
	}
	return b.Clone()
}

// Snapshot returns a copy of the newest open bucket at granularity g with
// derived statistics filled in as of now.
func (a *Aggregator) Snapshot(g time.Duration) (*queue.MetricBucket, bool) {
	s := a.find(g)
	if s == nil || len(s.open) == 0 {
		return nil, false
	}
	b := s.open[len(s.open)-1].Clone()
	Derive(b, a.cfg.TargetService)
	return b, true
}

// Closed returns the retained finalized buckets at granularity g, oldest
// first.
func (a *Aggregator) Closed(g time.Duration) []*queue.MetricBucket {
	s := a.find(g)
	if s == nil {
		return nil
	}
	out := make([]*queue.MetricBucket, 0, len(s.closed))
	for _, b := range s.closed {
		out = append(out, b.Clone())
	}
	return out
}

// Late returns the number of records dropped for arriving after their
// window closed.
func (a *Aggregator) Late() uint64 { return a.late }

// Completions counts services that ended in (now-window, now].
func (a *Aggregator) Completions(now time.Time, window time.Duration) int {
	from := now.Add(-window)
	n := 0
	for _, t := range a.completions {
		if t.After(from) && !t.After(now) {
			n++
		}
	}
	return n
}

func (a *Aggregator) pruneCompletions(now time.Time) {
	if a.cfg.RollingWindow <= 0 {
		a.completions = a.completions[:0]
		return
	}
	cutoff := now.Add(-a.cfg.RollingWindow)
	i := 0
	for i < len(a.completions) && !a.completions[i].After(cutoff) {
		i++
	}
	a.completions = a.completions[i:]
}

func (a *Aggregator) find(g time.Duration) *series {
	for _, s := range a.series {
		if s.gran == g {
			return s
		}
	}
	return nil
}

// Derive fills in averages, quantiles, spread, efficiency and throughput
// from a bucket's running sums.
func Derive(b *queue.MetricBucket, target time.Duration) {
	for _, s := range b.Counters {
		deriveStats(s, target)
	}
	for _, s := range b.Lanes {
		deriveStats(s, target)
	}
	deriveStats(b.Aggregate, target)
	if hours := b.Granularity.Hours(); hours > 0 {
		b.Throughput = float64(b.Aggregate.Count) / hours
	}
}

func deriveStats(s *queue.ServiceStats, target time.Duration) {
	if s.Count == 0 {
		s.AvgService, s.AvgWait = 0, 0
		s.MedianService, s.P95Service = 0, 0
		s.StdDevSeconds, s.Efficiency = 0, 0
		return
	}
	s.AvgService = s.TotalService / time.Duration(s.Count)
	s.AvgWait = s.TotalWait / time.Duration(s.Count)

	sorted := append([]float64(nil), s.Durations...)
	sort.Float64s(sorted)
	s.MedianService = seconds(stat.Quantile(0.5, stat.Empirical, sorted, nil))
	s.P95Service = seconds(stat.Quantile(0.95, stat.Empirical, sorted, nil))
	s.StdDevSeconds = 0
	if len(sorted) > 1 {
		s.StdDevSeconds = stat.StdDev(sorted, nil)
	}
	s.Efficiency = efficiency(s.AvgService, target)
}

func efficiency(avg, target time.Duration) float64 {
	if target <= 0 {
		return 0
	}
	if avg <= 0 {
		return 1
	}
	e := target.Seconds() / avg.Seconds()
	if e > 1 {
		return 1
	}
	if e < 0 {
		return 0
	}
	return e
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
