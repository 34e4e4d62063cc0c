package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/queue.report/internal/queue"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func serving(id int, track int64, elapsed time.Duration) CounterObservation {
	return CounterObservation{ID: id, CurrentTrackID: track, Elapsed: elapsed}
}

func TestLongService_EdgeTriggered(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{LongService: 5 * time.Second})

	var raised, cleared int
	for i := 0; i <= 12; i++ {
		ts := at(float64(i) * 0.5)
		obs := Observation{Counters: []CounterObservation{serving(1, 7, time.Duration(i)*500*time.Millisecond)}}
		for _, tr := range e.Evaluate(obs, ts) {
			require.Equal(t, queue.AlertLongService, tr.Alert.Kind)
			if tr.Type == queue.TransitionRaised {
				raised++
				assert.Equal(t, at(5), tr.Alert.RaisedAt)
				assert.Equal(t, int64(7), tr.Alert.TrackID)
			} else {
				cleared++
			}
		}
	}
	assert.Equal(t, 1, raised)
	assert.Zero(t, cleared)
	require.Len(t, e.Active(), 1)

	trs := e.Evaluate(Observation{Counters: []CounterObservation{{ID: 1}}}, at(6.5))
	require.Len(t, trs, 1)
	assert.Equal(t, queue.TransitionCleared, trs[0].Type)
	require.NotNil(t, trs[0].Alert.ClearedAt)
	assert.Equal(t, at(6.5), *trs[0].Alert.ClearedAt)
	assert.Empty(t, e.Active())
	assert.Len(t, e.History(), 1)

	assert.Empty(t, e.Evaluate(Observation{Counters: []CounterObservation{{ID: 1}}}, at(7)))
}

func TestLongService_NewCustomerReplacesAlert(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{LongService: time.Second})

	e.Evaluate(Observation{Counters: []CounterObservation{serving(1, 1, 2*time.Second)}}, at(2))
	trs := e.Evaluate(Observation{Counters: []CounterObservation{serving(1, 2, 3*time.Second)}}, at(3))

	require.Len(t, trs, 2)
	assert.Equal(t, queue.TransitionCleared, trs[0].Type)
	assert.Equal(t, int64(1), trs[0].Alert.TrackID)
	assert.Equal(t, queue.TransitionRaised, trs[1].Type)
	assert.Equal(t, int64(2), trs[1].Alert.TrackID)
	assert.NotEqual(t, trs[0].Alert.ID, trs[1].Alert.ID)
}

func TestBottleneckThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		configured int
		capacity   int
		want       int
	}{
		{"capacity smaller", 4, 2, 2},
		{"configured smaller", 3, 10, 3},
		{"no capacity limit", 4, 0, 4},
		{"only capacity", 0, 5, 5},
		{"disabled", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, BottleneckThreshold(tt.configured, tt.capacity))
		})
	}
}

func TestBottleneck_Debounce(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{BottleneckLength: 2, BottleneckDebounce: 3 * time.Second})
	long := Observation{Counters: []CounterObservation{{ID: 4, Waiting: 3}}}
	short := Observation{Counters: []CounterObservation{{ID: 4, Waiting: 1}}}

	assert.Empty(t, e.Evaluate(long, at(0)))
	assert.Empty(t, e.Evaluate(long, at(2)))
	assert.Empty(t, e.Evaluate(short, at(2.5)), "condition broke before debounce")
	assert.Empty(t, e.Evaluate(long, at(3)))
	assert.Empty(t, e.Evaluate(long, at(5.5)))

	trs := e.Evaluate(long, at(6))
	require.Len(t, trs, 1)
	assert.Equal(t, queue.AlertQueueBottleneck, trs[0].Alert.Kind)
	assert.Equal(t, 4, trs[0].Alert.CounterID)
	assert.Equal(t, float64(2), trs[0].Alert.Threshold)

	assert.Empty(t, e.Evaluate(long, at(7)))
	trs = e.Evaluate(short, at(8))
	require.Len(t, trs, 1)
	assert.Equal(t, queue.TransitionCleared, trs[0].Type)
}

func TestLowThroughput(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{ThroughputWindow: time.Minute, MinCompletions: 2})

	assert.Empty(t, e.Evaluate(Observation{}, at(0)))
	assert.Empty(t, e.Evaluate(Observation{}, at(59)), "window not yet full")

	trs := e.Evaluate(Observation{Completions: 1}, at(60))
	require.Len(t, trs, 1)
	assert.Equal(t, queue.AlertLowThroughput, trs[0].Alert.Kind)
	assert.Zero(t, trs[0].Alert.CounterID)
	assert.Len(t, e.SessionActive(), 1)

	assert.Empty(t, e.Evaluate(Observation{Completions: 1}, at(61)))
	trs = e.Evaluate(Observation{Completions: 2}, at(62))
	require.Len(t, trs, 1)
	assert.Equal(t, queue.TransitionCleared, trs[0].Type)
	assert.Empty(t, e.SessionActive())
}

func TestLowThroughput_DisabledWithoutTarget(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{ThroughputWindow: time.Second})
	e.Evaluate(Observation{}, at(0))
	assert.Empty(t, e.Evaluate(Observation{}, at(10)))
}

func TestAlertIDDeterministic(t *testing.T) {
	t.Parallel()
	a := AlertID(queue.AlertLongService, 1, 3, at(5))
	assert.Equal(t, a, AlertID(queue.AlertLongService, 1, 3, at(5)))
	assert.NotEqual(t, a, AlertID(queue.AlertLongService, 2, 3, at(5)))
	assert.NotEqual(t, a, AlertID(queue.AlertQueueBottleneck, 1, 3, at(5)))
	assert.NotEqual(t, a, AlertID(queue.AlertLongService, 1, 3, at(5.5)))
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{LongService: time.Second, History: 2})
	for i := 0; i < 5; i++ {
		base := float64(i * 10)
		e.Evaluate(Observation{Counters: []CounterObservation{serving(1, int64(i+1), 2*time.Second)}}, at(base))
		e.Evaluate(Observation{Counters: []CounterObservation{{ID: 1}}}, at(base+1))
	}
	h := e.History()
	require.Len(t, h, 2)
	assert.Equal(t, int64(4), h[0].TrackID)
	assert.Equal(t, int64(5), h[1].TrackID)
}

func TestActiveOrdering(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{LongService: time.Second, BottleneckLength: 1, ThroughputWindow: time.Second, MinCompletions: 1})
	e.Evaluate(Observation{}, at(0))
	e.Evaluate(Observation{Counters: []CounterObservation{
		{ID: 2, CurrentTrackID: 9, Elapsed: 2 * time.Second, Waiting: 1},
		{ID: 1, Waiting: 1},
	}}, at(5))

	active := e.Active()
	require.Len(t, active, 4)
	assert.Equal(t, 1, active[0].CounterID)
	assert.Equal(t, queue.AlertLongService, active[1].Kind)
	assert.Equal(t, 2, active[1].CounterID)
	assert.Equal(t, queue.AlertQueueBottleneck, active[2].Kind)
	assert.Equal(t, queue.AlertLowThroughput, active[3].Kind)
	assert.Len(t, e.ActiveFor(2), 2)
}
