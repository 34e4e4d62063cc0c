package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/queue.report/internal/queue"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func record(counter int, lane queue.LaneType, end time.Time, service, wait time.Duration) queue.ServiceRecord {
	start := end.Add(-service)
	return queue.ServiceRecord{
		CounterID:       counter,
		TrackID:         1,
		Lane:            lane,
		EntryAt:         start.Add(-wait),
		StartAt:         start,
		EndAt:           end,
		ServiceDuration: service,
		WaitDuration:    wait,
	}
}

func newTestAggregator(t *testing.T, lateness time.Duration) *Aggregator {
	t.Helper()
	a, err := NewAggregator(Config{
		Granularities: []time.Duration{time.Hour, time.Minute},
		TargetService: time.Minute,
		Lateness:      lateness,
		History:       3,
		RollingWindow: 15 * time.Minute,
	})
	require.NoError(t, err)
	return a
}

func TestNewAggregator_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewAggregator(Config{})
	assert.Error(t, err)
	_, err = NewAggregator(Config{Granularities: []time.Duration{time.Minute, 0}})
	assert.Error(t, err)

	a, err := NewAggregator(Config{Granularities: []time.Duration{time.Hour, time.Minute, time.Hour}})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, time.Hour}, a.Granularities())
}

func TestAggregator_StatsPerCounterLaneAndAggregate(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	a.Advance(t0, time.Time{})

	a.Ingest(record(1, queue.LaneExpress, t0.Add(10*time.Second), 30*time.Second, 10*time.Second))
	a.Ingest(record(1, queue.LaneExpress, t0.Add(20*time.Second), 60*time.Second, 20*time.Second))
	a.Ingest(record(2, queue.LaneRegular, t0.Add(30*time.Second), 120*time.Second, 30*time.Second))

	b, ok := a.Snapshot(time.Minute)
	require.True(t, ok)
	assert.Equal(t, t0, b.Start)
	assert.False(t, b.Finalized)

	c1 := b.Counters[1]
	require.NotNil(t, c1)
	assert.Equal(t, 2, c1.Count)
	assert.Equal(t, 45*time.Second, c1.AvgService)
	assert.Equal(t, 15*time.Second, c1.AvgWait)
	assert.Equal(t, 30*time.Second, c1.MinService)
	assert.Equal(t, 60*time.Second, c1.MaxService)
	assert.Equal(t, 1.0, c1.Efficiency)

	assert.Equal(t, 2, b.Lanes[queue.LaneExpress].Count)
	assert.Equal(t, 1, b.Lanes[queue.LaneRegular].Count)

	agg := b.Aggregate
	assert.Equal(t, 3, agg.Count)
	assert.Equal(t, 70*time.Second, agg.AvgService)
	assert.Equal(t, 60*time.Second, agg.MedianService)
	assert.Equal(t, 120*time.Second, agg.P95Service)
	assert.InDelta(t, 45.8257, agg.StdDevSeconds, 1e-3)
	assert.InDelta(t, 60.0/70.0, agg.Efficiency, 1e-9)
	assert.InDelta(t, 180.0, b.Throughput, 1e-9)
}

func TestAggregator_RolloverFinalizesOnce(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	a.Advance(t0, time.Time{})
	a.Ingest(record(1, queue.LaneRegular, t0.Add(5*time.Second), 5*time.Second, 0))

	assert.Empty(t, a.Advance(t0.Add(59*time.Second), time.Time{}))

	done := a.Advance(t0.Add(61*time.Second), time.Time{})
	require.Len(t, done, 1)
	assert.Equal(t, time.Minute, done[0].Granularity)
	assert.True(t, done[0].Finalized)
	assert.Equal(t, 1, done[0].Aggregate.Count)

	assert.Empty(t, a.Advance(t0.Add(62*time.Second), time.Time{}), "finalized bucket is never emitted again")

	a.Ingest(record(1, queue.LaneRegular, t0.Add(50*time.Second), 5*time.Second, 0))
	assert.Equal(t, uint64(1), a.Late())
	closed := a.Closed(time.Minute)
	require.Len(t, closed, 1)
	assert.Equal(t, 1, closed[0].Aggregate.Count, "late record not folded into closed bucket")

	hour, ok := a.Snapshot(time.Hour)
	require.True(t, ok)
	assert.Equal(t, 2, hour.Aggregate.Count, "hour window still open")
}

func TestAggregator_WatermarkHoldsWindow(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	a.Advance(t0, time.Time{})

	// A customer last seen at 0:55 is still owed a record.
	pending := t0.Add(55 * time.Second)
	assert.Empty(t, a.Advance(t0.Add(90*time.Second), pending))

	a.Ingest(record(1, queue.LaneRegular, pending, 55*time.Second, 0))
	assert.Zero(t, a.Late())

	done := a.Advance(t0.Add(91*time.Second), time.Time{})
	require.Len(t, done, 1)
	assert.Equal(t, t0, done[0].Start)
	assert.Equal(t, 1, done[0].Aggregate.Count)

	// A watermark inside a later window does not hold earlier ones.
	a.Advance(t0.Add(2*time.Minute+30*time.Second), t0.Add(2*time.Minute+10*time.Second))
	closed := a.Closed(time.Minute)
	require.Len(t, closed, 2)
	assert.Equal(t, t0.Add(time.Minute), closed[1].Start)
}

func TestAggregator_LatenessKeepsWindowOpen(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 5*time.Second)
	a.Advance(t0, time.Time{})

	assert.Empty(t, a.Advance(t0.Add(62*time.Second), time.Time{}))
	a.Ingest(record(3, queue.LaneRegular, t0.Add(58*time.Second), 10*time.Second, 0))

	done := a.Advance(t0.Add(65*time.Second), time.Time{})
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].Aggregate.Count)
	assert.Zero(t, a.Late())
}

func TestAggregator_EmptyBucket(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	a.Advance(t0, time.Time{})
	done := a.Advance(t0.Add(time.Minute), time.Time{})
	require.Len(t, done, 1)
	b := done[0]
	assert.Zero(t, b.Aggregate.Count)
	assert.Zero(t, b.Aggregate.Efficiency)
	assert.Zero(t, b.Throughput)
}

func TestAggregator_AlertsAndAbandoned(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	a.Advance(t0, time.Time{})

	raised := queue.AlertTransition{Type: queue.TransitionRaised, Alert: queue.Alert{Kind: queue.AlertLongService, RaisedAt: t0.Add(time.Second)}}
	a.IngestAlert(raised)
	cleared := raised
	cleared.Type = queue.TransitionCleared
	a.IngestAlert(cleared)
	a.IngestAbandoned(t0.Add(2 * time.Second))

	b, ok := a.Snapshot(time.Minute)
	require.True(t, ok)
	assert.Equal(t, 1, b.AlertCounts[queue.AlertLongService])
	assert.Equal(t, 1, b.Abandoned)
}

func TestAggregator_Flush(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	a.Advance(t0, time.Time{})
	a.Ingest(record(1, queue.LaneRegular, t0.Add(5*time.Second), 5*time.Second, 0))

	done := a.Flush(t0.Add(10 * time.Second))
	require.Len(t, done, 2)
	assert.Equal(t, time.Minute, done[0].Granularity)
	assert.Equal(t, time.Hour, done[1].Granularity)
	for _, b := range done {
		assert.True(t, b.Finalized)
		assert.Equal(t, 1, b.Aggregate.Count)
	}
	assert.Empty(t, a.Flush(t0.Add(11*time.Second)))
	_, ok := a.Snapshot(time.Minute)
	assert.False(t, ok)
}

func TestAggregator_HistoryBounded(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	for i := 0; i <= 5; i++ {
		a.Advance(t0.Add(time.Duration(i)*time.Minute), time.Time{})
	}
	closed := a.Closed(time.Minute)
	require.Len(t, closed, 3)
	assert.Equal(t, t0.Add(2*time.Minute), closed[0].Start)
	assert.Equal(t, t0.Add(4*time.Minute), closed[2].Start)
}

func TestAggregator_Completions(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t, 0)
	a.Advance(t0, time.Time{})
	for _, sec := range []int{10, 20, 70} {
		a.Ingest(record(1, queue.LaneRegular, t0.Add(time.Duration(sec)*time.Second), time.Second, 0))
	}
	now := t0.Add(80 * time.Second)
	assert.Equal(t, 3, a.Completions(now, time.Minute+15*time.Second))
	assert.Equal(t, 1, a.Completions(now, time.Minute))

	a.Advance(t0.Add(20*time.Minute), time.Time{})
	assert.Zero(t, a.Completions(t0.Add(20*time.Minute), time.Hour), "pruned past the rolling window")
}

func TestEfficiency(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		avg, target time.Duration
		want        float64
	}{
		{"faster than target", 30 * time.Second, time.Minute, 1},
		{"slower than target", 2 * time.Minute, time.Minute, 0.5},
		{"no target", time.Minute, 0, 0},
		{"instant service", 0, time.Minute, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, efficiency(tt.avg, tt.target), 1e-9)
		})
	}
}
