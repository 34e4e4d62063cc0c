package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/queue.report/internal/config"
	"github.com/banshee-data/queue.report/internal/queue"
	"github.com/banshee-data/queue.report/internal/queue/alerts"
	"github.com/banshee-data/queue.report/internal/queue/lanes"
	"github.com/banshee-data/queue.report/internal/queue/metrics"
	"github.com/banshee-data/queue.report/internal/queue/tracks"
	"github.com/banshee-data/queue.report/internal/queue/zones"
)

var (
	// ErrNonMonotonic is returned for a frame whose timestamp does not
	// advance past the previous accepted frame. The frame is skipped.
	ErrNonMonotonic = errors.New("non-monotonic frame timestamp")

	// ErrClosed is returned once the engine or slot has been closed.
	ErrClosed = errors.New("engine closed")
)

// Options are the runtime choices that do not belong in the config file.
type Options struct {
	// SessionID labels every event. A random id is used when empty.
	SessionID string
}

// Engine is one tracking and queue session. ProcessFrame and Close are
// serialized internally; Snapshot may be called from any goroutine.
type Engine struct {
	mu sync.Mutex

	sessionID        string
	throughputWindow time.Duration
	reviewWindow     time.Duration // granularity feeding rankings and reviews

	assigner  *tracks.Assigner
	mapper    *zones.Mapper
	machines  []*lanes.Machine // ascending counter id
	owner     map[int64]int    // track id -> counter holding its entry
	evaluator *alerts.Evaluator
	agg       *metrics.Aggregator
	outbox    *Outbox
	slot      atomic.Pointer[FrameSlot]

	started       bool
	lastTS        time.Time
	framesDone    uint64
	framesSkipped uint64
	heals         uint64
	closed        bool

	snap atomic.Pointer[queue.Snapshot]
}

// New builds an engine from a validated configuration.
func New(cfg *config.QueueConfig, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.EmptyQueueConfig()
	}
	zs, err := cfg.GetZones()
	if err != nil {
		return nil, fmt.Errorf("zones: %w", err)
	}
	mapper, err := zones.NewMapper(zs, float64(cfg.GetFrameWidth()), float64(cfg.GetFrameHeight()),
		zones.Config{HysteresisMargin: cfg.GetHysteresisMargin()})
	if err != nil {
		return nil, err
	}
	assigner, err := tracks.NewAssigner(tracks.Config{
		Metric:              tracks.Metric(cfg.GetMatchMetric()),
		MinScore:            cfg.GetMinMatchScore(),
		MaxCentroidDistance: cfg.GetMaxCentroidDistance(),
		MissGrace:           cfg.GetMissGrace(),
		MinConfidence:       cfg.GetMinConfidence(),
	})
	if err != nil {
		return nil, fmt.Errorf("track assigner: %w", err)
	}
	agg, err := metrics.NewAggregator(metrics.Config{
		Granularities: cfg.GetMetricWindows(),
		TargetService: cfg.GetTargetServiceTime(),
		Lateness:      cfg.GetBucketLateness(),
		History:       cfg.GetBucketHistory(),
		RollingWindow: cfg.GetThroughputWindow(),
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	grans := agg.Granularities()

	laneCfg := lanes.Config{
		AbsenceGrace:           cfg.GetAbsenceGrace(),
		Retention:              cfg.GetRetention(),
		DefaultServiceEstimate: cfg.GetDefaultServiceEstimate(),
		ServiceSampleSize:      cfg.GetServiceSampleSize(),
	}
	machines := make([]*lanes.Machine, 0, len(zs))
	for _, z := range mapper.Zones() {
		machines = append(machines, lanes.NewMachine(z, laneCfg))
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = queue.NewSessionID()
	}
	e := &Engine{
		sessionID:        sessionID,
		throughputWindow: cfg.GetThroughputWindow(),
		reviewWindow:     grans[len(grans)-1],
		assigner:         assigner,
		mapper:           mapper,
		machines:         machines,
		owner:            make(map[int64]int),
		evaluator: alerts.NewEvaluator(alerts.Config{
			LongService:        cfg.GetLongServiceThreshold(),
			BottleneckLength:   cfg.GetBottleneckLength(),
			BottleneckDebounce: cfg.GetBottleneckDebounce(),
			ThroughputWindow:   cfg.GetThroughputWindow(),
			MinCompletions:     int(math.Ceil(cfg.GetMinCompletionsPerWindow())),
			History:            cfg.GetAlertHistory(),
		}),
		agg:    agg,
		outbox: NewOutbox(cfg.GetOutboundCapacity()),
	}
	e.publish(time.Time{}, 0, nil, 0)
	diagf("session %s started with %d counters", sessionID, len(machines))
	return e, nil
}

// SessionID returns the id stamped on every event.
func (e *Engine) SessionID() string { return e.sessionID }

// Events returns the outbound event stream. It is closed by Close.
func (e *Engine) Events() <-chan queue.Event { return e.outbox.C() }

// Snapshot returns the state published after the most recent frame. The
// returned value is shared and must not be modified.
func (e *Engine) Snapshot() *queue.Snapshot { return e.snap.Load() }

// Zones returns the configured counter zones.
func (e *Engine) Zones() []queue.Zone { return e.mapper.Zones() }

// Granularities returns the configured bucket widths, ascending.
func (e *Engine) Granularities() []time.Duration { return e.agg.Granularities() }

// Buckets returns the finalized metric buckets still retained at g.
func (e *Engine) Buckets(g time.Duration) []*queue.MetricBucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.Closed(g)
}

// OpenBucket returns the in-progress bucket at g.
func (e *Engine) OpenBucket(g time.Duration) (*queue.MetricBucket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.Snapshot(g)
}

// AlertHistory returns cleared alerts, oldest first.
func (e *Engine) AlertHistory() []queue.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluator.History()
}

// ProcessFrame runs one frame through tracking, zoning, queue updates,
// alerting and metrics, then publishes a new snapshot.
func (e *Engine) ProcessFrame(f queue.Frame) (*queue.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.processLocked(f)
}

func (e *Engine) processLocked(f queue.Frame) (*queue.Snapshot, error) {
	now := f.Timestamp
	if e.started && !now.After(e.lastTS) {
		e.framesSkipped++
		opsf("frame %d skipped: timestamp %s not after %s", f.Seq, now.Format(time.RFC3339Nano), e.lastTS.Format(time.RFC3339Nano))
		e.republish()
		return nil, fmt.Errorf("%w: frame %d", ErrNonMonotonic, f.Seq)
	}
	e.started = true
	e.lastTS = now

	// Tracking.
	active := e.assigner.Update(f.Detections, now)
	for _, id := range e.assigner.Lost() {
		e.mapper.Forget(id)
	}

	// Zoning. A track still owned by one counter is not offered to another
	// until that counter releases it.
	zoned := make(map[int][]queue.Track, len(e.machines))
	unzoned := 0
	for _, t := range active {
		cid, ok := e.mapper.Map(t)
		if !ok {
			unzoned++
			continue
		}
		if owner, held := e.owner[t.ID]; held && owner != cid {
			continue
		}
		zoned[cid] = append(zoned[cid], t)
	}

	// Queue updates.
	for _, m := range e.machines {
		cid := m.Zone.ID
		res := m.Update(zoned[cid], now)
		for _, id := range res.Released {
			delete(e.owner, id)
		}
		for _, id := range res.Admitted {
			e.owner[id] = cid
		}
		for _, rec := range res.Completed {
			late := e.agg.Late()
			e.agg.Ingest(rec)
			if e.agg.Late() > late {
				opsf("counter %d: record for track %d ended %s in a finalized window", cid, rec.TrackID, rec.EndAt.Format(time.RFC3339Nano))
			}
			r := rec
			e.emit(queue.Event{Kind: queue.EventServiceRecord, At: now, Record: &r})
		}
		for range res.Abandoned {
			e.agg.IngestAbandoned(now)
		}
		if err := m.CheckInvariants(); err != nil {
			e.heals++
			released := m.Heal()
			for _, id := range released {
				delete(e.owner, id)
			}
			opsf("counter %d healed after %v (released %v)", cid, err, released)
		}
	}

	// Alerts.
	obs := alerts.Observation{
		Counters:    make([]alerts.CounterObservation, 0, len(e.machines)),
		Completions: e.agg.Completions(now, e.throughputWindow),
	}
	for _, m := range e.machines {
		co := alerts.CounterObservation{ID: m.Zone.ID, Capacity: m.Zone.Capacity, Waiting: m.WaitingCount()}
		if cur, ok := m.Current(); ok {
			co.CurrentTrackID = cur.TrackID
			co.Elapsed = lanes.Elapsed(cur, now)
		}
		obs.Counters = append(obs.Counters, co)
	}
	for _, tr := range e.evaluator.Evaluate(obs, now) {
		e.agg.IngestAlert(tr)
		t := tr
		e.emit(queue.Event{Kind: queue.EventAlert, At: now, Alert: &t})
	}

	// Metrics. A customer still at a counter may yet complete with an end
	// time as early as their last sighting, so windows after that stay open.
	for _, b := range e.agg.Advance(now, e.pendingWatermark()) {
		diagf("bucket %s@%s finalized: %d services, %d abandoned", b.Granularity, b.Start.Format(time.RFC3339), b.Aggregate.Count, b.Abandoned)
		e.emit(queue.Event{Kind: queue.EventBucket, At: now, Bucket: b})
	}

	e.framesDone++
	snap := e.publish(now, f.Seq, active, unzoned)
	tracef("frame %d: %d detections, %d tracks, %d unzoned", f.Seq, len(f.Detections), len(active), unzoned)
	return snap, nil
}

// pendingWatermark returns the earliest last-seen time of any customer being
// served, or zero when no counter is serving.
func (e *Engine) pendingWatermark() time.Time {
	var w time.Time
	for _, m := range e.machines {
		if cur, ok := m.Current(); ok && (w.IsZero() || cur.LastSeen.Before(w)) {
			w = cur.LastSeen
		}
	}
	return w
}

func (e *Engine) emit(ev queue.Event) {
	ev.SessionID = e.sessionID
	if !e.outbox.Publish(ev) {
		opsf("event %s dropped: outbox closed", ev.Kind)
	}
}

// publish builds and atomically swaps in a new snapshot.
func (e *Engine) publish(ts time.Time, seq uint64, active []queue.Track, unzoned int) *queue.Snapshot {
	snap := e.baseSnapshot(ts, seq)
	for _, m := range e.machines {
		v := m.View(ts)
		v.Alerts = e.evaluator.ActiveFor(m.Zone.ID)
		snap.Counters = append(snap.Counters, v)
	}
	snap.Alerts = e.evaluator.SessionActive()
	snap.Recommendations = Recommend(snap.Counters)
	if b, ok := e.agg.Snapshot(e.reviewWindow); ok {
		waiting := 0
		for _, c := range snap.Counters {
			waiting += len(c.Waiting)
		}
		snap.Recommendations = append(snap.Recommendations, Review(b, waiting)...)
		snap.Rankings = RankCounters(b)
	}
	snap.ActiveTracks = len(active)
	snap.UnzonedTracks = unzoned
	e.snap.Store(snap)
	return snap
}

// republish refreshes the session counters of the current snapshot
// without touching queue state.
func (e *Engine) republish() {
	prev := e.snap.Load()
	snap := e.baseSnapshot(prev.Timestamp, prev.Seq)
	snap.Counters = prev.Counters
	snap.Alerts = prev.Alerts
	snap.Recommendations = prev.Recommendations
	snap.Rankings = prev.Rankings
	snap.ActiveTracks = prev.ActiveTracks
	snap.UnzonedTracks = prev.UnzonedTracks
	e.snap.Store(snap)
}

func (e *Engine) baseSnapshot(ts time.Time, seq uint64) *queue.Snapshot {
	snap := &queue.Snapshot{
		SessionID:     e.sessionID,
		Seq:           seq,
		Timestamp:     ts,
		Counters:      make([]queue.CounterSnapshot, 0, len(e.machines)),
		FramesDone:    e.framesDone,
		FramesSkipped: e.framesSkipped,
		EventsDropped: e.outbox.Dropped(),
		LateRecords:   e.agg.Late(),
		Heals:         e.heals,
	}
	if s := e.slot.Load(); s != nil {
		snap.FramesDropped = s.Dropped()
	}
	return snap
}

// Run processes frames from slot until ctx is done or the slot is closed.
// Frames with non-monotonic timestamps are skipped.
func (e *Engine) Run(ctx context.Context, slot *FrameSlot) error {
	e.slot.Store(slot)
	for {
		f, err := slot.Take(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := e.ProcessFrame(f); err != nil {
			if errors.Is(err, ErrNonMonotonic) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Close ends the session: it processes a frame still waiting in the slot,
// finalizes every open metric bucket, emits them and closes the event
// stream. now is the session end; it is raised to the last frame time if
// earlier.
func (e *Engine) Close(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if s := e.slot.Load(); s != nil {
		s.Close()
		if f, ok := s.TryTake(); ok {
			if _, err := e.processLocked(f); err != nil && !errors.Is(err, ErrNonMonotonic) {
				opsf("final frame %d: %v", f.Seq, err)
			}
		}
	}
	if now.Before(e.lastTS) {
		now = e.lastTS
	}
	for _, b := range e.agg.Flush(now) {
		e.emit(queue.Event{Kind: queue.EventBucket, At: now, Bucket: b})
	}
	e.closed = true
	e.outbox.Close()
	diagf("session %s closed after %d frames (%d skipped, %d events dropped, %d late records)", e.sessionID, e.framesDone, e.framesSkipped, e.outbox.Dropped(), e.agg.Late())
	return nil
}
