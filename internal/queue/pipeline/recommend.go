package pipeline

import (
	"fmt"
	"sort"

	"github.com/banshee-data/queue.report/internal/queue"
)

const (
	RecommendRedirect    = "queue_redirect"
	RecommendOpenCounter = "open_counter"
)

// Recommend suggests rebalancing when one counter's line is well above the
// mean, and more counters when the store averages over three customers per
// counter.
func Recommend(counters []queue.CounterSnapshot) []queue.Recommendation {
	if len(counters) == 0 {
		return nil
	}
	total := 0
	for _, c := range counters {
		total += c.Length()
	}
	mean := float64(total) / float64(len(counters))

	var out []queue.Recommendation
	for _, c := range counters {
		if n := c.Length(); float64(n) > mean*1.5 {
			out = append(out, queue.Recommendation{
				Type:      RecommendRedirect,
				CounterID: c.ID,
				Message:   fmt.Sprintf("counter %d has %d customers against a mean of %.1f; redirect to other counters", c.ID, n, mean),
				Priority:  "high",
			})
		}
	}
	if total > 3*len(counters) {
		out = append(out, queue.Recommendation{
			Type:     RecommendOpenCounter,
			Message:  fmt.Sprintf("%d customers across %d counters; consider opening another counter", total, len(counters)),
			Priority: "medium",
		})
	}
	return out
}

const (
	RecommendTraining        = "training"
	RecommendStandardization = "standardization"
	RecommendStaffing        = "staffing"
	RecommendCoaching        = "individual_coaching"
)

const (
	trainingBelow      = 0.8  // mean counter score
	spreadAboveSeconds = 60.0 // service time std-dev
	staffingBelow      = 0.7  // served / (served + waiting)
	coachingBelow      = 0.6  // single counter score
)

// Review derives performance recommendations from a bucket with derived
// statistics and the number of customers currently waiting. Counters that
// have served nobody in the bucket are not scored.
func Review(b *queue.MetricBucket, waiting int) []queue.Recommendation {
	if b == nil {
		return nil
	}
	ids := servedCounters(b)
	var out []queue.Recommendation

	if len(ids) > 0 {
		sum := 0.0
		for _, id := range ids {
			sum += b.Counters[id].Efficiency
		}
		if mean := sum / float64(len(ids)); mean < trainingBelow {
			out = append(out, queue.Recommendation{
				Type:     RecommendTraining,
				Message:  fmt.Sprintf("mean counter score %.0f%% is below %.0f%%; consider additional training to improve service speed", mean*100, trainingBelow*100),
				Priority: "high",
			})
		}
	}

	served := 0
	if agg := b.Aggregate; agg != nil {
		served = agg.Count
		if agg.StdDevSeconds > spreadAboveSeconds {
			out = append(out, queue.Recommendation{
				Type:     RecommendStandardization,
				Message:  fmt.Sprintf("service times vary by %.0fs; consider standardizing checkout procedures", agg.StdDevSeconds),
				Priority: "medium",
			})
		}
	}
	if served > 0 {
		if eff := float64(served) / float64(served+waiting); eff < staffingBelow {
			out = append(out, queue.Recommendation{
				Type:     RecommendStaffing,
				Message:  fmt.Sprintf("%d served against %d waiting; consider adjusting staffing levels", served, waiting),
				Priority: "high",
			})
		}
	}

	for _, id := range ids {
		if score := b.Counters[id].Efficiency; score < coachingBelow {
			out = append(out, queue.Recommendation{
				Type:      RecommendCoaching,
				CounterID: id,
				Message:   fmt.Sprintf("counter %d scores %.0f%%; needs individual coaching", id, score*100),
				Priority:  "medium",
			})
		}
	}
	return out
}

// RankCounters orders the counters that served anyone in b by score,
// highest first. Ties go to the lower counter id.
func RankCounters(b *queue.MetricBucket) []queue.CounterRanking {
	if b == nil {
		return nil
	}
	ids := servedCounters(b)
	out := make([]queue.CounterRanking, 0, len(ids))
	for _, id := range ids {
		s := b.Counters[id]
		out = append(out, queue.CounterRanking{
			CounterID:  id,
			Served:     s.Count,
			AvgService: s.AvgService,
			Score:      s.Efficiency,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// servedCounters returns the ids of counters with at least one service in
// b, ascending.
func servedCounters(b *queue.MetricBucket) []int {
	ids := make([]int, 0, len(b.Counters))
	for id, s := range b.Counters {
		if s != nil && s.Count > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
