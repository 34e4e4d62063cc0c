package pipeline

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/queue.report/internal/queue"
)

// scoredBucket builds a derived bucket whose counters have the given
// (served, score) pairs, keyed by counter id.
func scoredBucket(spread float64, counters map[int][2]float64) *queue.MetricBucket {
	b := queue.NewMetricBucket(time.Hour, t0)
	for id, c := range counters {
		b.Counters[id] = &queue.ServiceStats{
			Count:      int(c[0]),
			Efficiency: c[1],
			AvgService: time.Duration(float64(2*time.Minute) / maxf(c[1], 0.1)),
		}
		b.Aggregate.Count += int(c[0])
	}
	b.Aggregate.StdDevSeconds = spread
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func TestReview(t *testing.T) {
	t.Parallel()
	type rec struct {
		Type    string
		Counter int
	}
	tests := []struct {
		name    string
		bucket  *queue.MetricBucket
		waiting int
		want    []rec
	}{
		{"no bucket", nil, 3, nil},
		{"empty bucket", scoredBucket(0, nil), 5, nil},
		{"healthy", scoredBucket(20, map[int][2]float64{1: {10, 1}, 2: {8, 0.9}}), 2, nil},
		{"slow on average", scoredBucket(20, map[int][2]float64{1: {10, 0.7}, 2: {8, 0.75}}), 0,
			[]rec{{RecommendTraining, 0}}},
		{"erratic", scoredBucket(75, map[int][2]float64{1: {10, 1}}), 0,
			[]rec{{RecommendStandardization, 0}}},
		{"backlog", scoredBucket(0, map[int][2]float64{1: {2, 1}}), 3,
			[]rec{{RecommendStaffing, 0}}},
		{"one weak counter", scoredBucket(0, map[int][2]float64{1: {10, 1}, 2: {6, 1}, 3: {4, 0.5}}), 0,
			[]rec{{RecommendCoaching, 3}}},
		{"idle counter not scored", scoredBucket(0, map[int][2]float64{1: {5, 1}, 2: {0, 0}}), 0, nil},
		{"everything", scoredBucket(90, map[int][2]float64{1: {1, 0.5}, 2: {1, 0.4}}), 5,
			[]rec{{RecommendTraining, 0}, {RecommendStandardization, 0}, {RecommendStaffing, 0}, {RecommendCoaching, 1}, {RecommendCoaching, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got []rec
			for _, r := range Review(tt.bucket, tt.waiting) {
				got = append(got, rec{r.Type, r.CounterID})
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Review() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRankCounters(t *testing.T) {
	t.Parallel()
	b := scoredBucket(0, map[int][2]float64{
		1: {4, 0.6},
		2: {9, 1},
		3: {0, 0},
		4: {7, 0.6},
	})
	got := RankCounters(b)

	var order []int
	for i, r := range got {
		assert.Equal(t, i+1, r.Rank)
		order = append(order, r.CounterID)
	}
	assert.Equal(t, []int{2, 1, 4}, order, "idle counter skipped, ties by id")
	assert.Equal(t, 9, got[0].Served)
	assert.Equal(t, 2*time.Minute, got[0].AvgService)

	assert.Empty(t, RankCounters(nil))
}
