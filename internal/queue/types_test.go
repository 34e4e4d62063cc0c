package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBBox(t *testing.T) {
	t.Parallel()
	b := BBox{X: 10, Y: 20, Width: 40, Height: 60}

	assert.Equal(t, 2400.0, b.Area())
	x, y := b.Centroid()
	assert.Equal(t, []float64{30, 50}, []float64{x, y})
	x, y = b.FootPoint()
	assert.Equal(t, []float64{30, 80}, []float64{x, y})

	assert.True(t, b.Contains(10, 20), "edges are inside")
	assert.True(t, b.Contains(50, 80))
	assert.False(t, b.Contains(50.1, 80))

	e := b.Expand(5)
	assert.Equal(t, BBox{X: 5, Y: 15, Width: 50, Height: 70}, e)
	assert.Zero(t, BBox{Width: -1, Height: 5}.Area())
}

func TestBBoxIoU(t *testing.T) {
	t.Parallel()
	a := BBox{Width: 10, Height: 10}
	assert.Equal(t, 1.0, a.IoU(a))
	assert.Zero(t, a.IoU(BBox{X: 10, Width: 10, Height: 10}), "touching boxes do not overlap")
	assert.InDelta(t, 50.0/150.0, a.IoU(BBox{X: 5, Width: 10, Height: 10}), 1e-12)
	assert.Zero(t, a.IoU(BBox{}))
}

func TestParseLaneType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]LaneType{"": LaneRegular, "regular": LaneRegular, " Express ": LaneExpress, "EXPRESS": LaneExpress} {
		got, err := ParseLaneType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLaneType("self-checkout")
	assert.Error(t, err)
}

func TestNewServiceRecord(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e := QueueEntry{
		TrackID:   3,
		CounterID: 2,
		State:     StateCompleted,
		EntryAt:   t0,
		StartAt:   t0.Add(40 * time.Second),
		EndAt:     t0.Add(100 * time.Second),
	}
	r := NewServiceRecord(e, LaneExpress)
	assert.Equal(t, 60*time.Second, r.ServiceDuration)
	assert.Equal(t, 40*time.Second, r.WaitDuration)
	assert.Equal(t, LaneExpress, r.Lane)
	assert.Equal(t, 2, r.CounterID)
}

func TestMetricBucketClone(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := NewMetricBucket(time.Hour, t0)
	assert.True(t, b.Covers(t0))
	assert.True(t, b.Covers(t0.Add(59*time.Minute)))
	assert.False(t, b.Covers(t0.Add(time.Hour)))

	r := ServiceRecord{CounterID: 1, Lane: LaneRegular, ServiceDuration: 30 * time.Second, WaitDuration: time.Second}
	b.Aggregate.Add(r)
	b.Counters[1] = &ServiceStats{}
	b.Counters[1].Add(r)
	b.AlertCounts[AlertLongService] = 1

	c := b.Clone()
	c.Aggregate.Add(r)
	c.Counters[1].Add(r)
	c.AlertCounts[AlertLongService]++

	assert.Equal(t, 1, b.Aggregate.Count)
	assert.Len(t, b.Aggregate.Durations, 1)
	assert.Equal(t, 1, b.Counters[1].Count)
	assert.Equal(t, 1, b.AlertCounts[AlertLongService])
	assert.Equal(t, 2, c.Aggregate.Count)
}

func TestSnapshotHelpers(t *testing.T) {
	t.Parallel()
	s := &Snapshot{
		Counters: []CounterSnapshot{
			{ID: 1, Current: &CurrentView{TrackID: 1}, Waiting: []WaitingView{{TrackID: 2, Rank: 1}}, Alerts: []Alert{{Kind: AlertLongService}}},
			{ID: 2},
		},
		Alerts: []Alert{{Kind: AlertLowThroughput}},
	}
	require.NotNil(t, s.Counter(1))
	assert.Equal(t, 2, s.Counter(1).Length())
	assert.Equal(t, 0, s.Counter(2).Length())
	assert.Nil(t, s.Counter(3))

	active := s.ActiveAlerts()
	require.Len(t, active, 2)
	assert.Equal(t, AlertLongService, active[0].Kind)
	assert.Equal(t, AlertLowThroughput, active[1].Kind)
	assert.True(t, active[0].Active())
}
