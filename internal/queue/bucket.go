package queue

import "time"

// ServiceStats holds running sums and, once a bucket is finalized, the
// derived statistics for one slice of service records (a counter, a lane or
// the whole store).
type ServiceStats struct {
	Count        int           `json:"count"`
	TotalService time.Duration `json:"total_service"`
	TotalWait    time.Duration `json:"total_wait"`
	MinService   time.Duration `json:"min_service"`
	MaxService   time.Duration `json:"max_service"`

	AvgService    time.Duration `json:"avg_service"`
	AvgWait       time.Duration `json:"avg_wait"`
	MedianService time.Duration `json:"median_service"`
	P95Service    time.Duration `json:"p95_service"`
	StdDevSeconds float64       `json:"stddev_seconds"`
	Efficiency    float64       `json:"efficiency"`

	// durations are kept in seconds for quantile computation.
	Durations []float64 `json:"-"`
}

// Add folds one record into the running sums.
func (s *ServiceStats) Add(r ServiceRecord) {
	if s.Count == 0 || r.ServiceDuration < s.MinService {
		s.MinService = r.ServiceDuration
	}
	if r.ServiceDuration > s.MaxService {
		s.MaxService = r.ServiceDuration
	}
	s.Count++
	s.TotalService += r.ServiceDuration
	s.TotalWait += r.WaitDuration
	s.Durations = append(s.Durations, r.ServiceDuration.Seconds())
}

// Clone returns a deep copy.
func (s *ServiceStats) Clone() *ServiceStats {
	if s == nil {
		return nil
	}
	c := *s
	c.Durations = append([]float64(nil), s.Durations...)
	return &c
}

// MetricBucket aggregates service records and alerts for one fixed time
// window at one granularity.
type MetricBucket struct {
	Granularity time.Duration `json:"granularity"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`

	Counters  map[int]*ServiceStats      `json:"counters"`
	Lanes     map[LaneType]*ServiceStats `json:"lanes"`
	Aggregate *ServiceStats              `json:"aggregate"`

	AlertCounts map[AlertKind]int `json:"alert_counts"`
	Abandoned   int               `json:"abandoned"`

	// Throughput is completed services per hour across all counters.
	Throughput float64 `json:"throughput_per_hour"`
	Finalized  bool    `json:"finalized"`
}

// NewMetricBucket opens an empty bucket for the window starting at start.
func NewMetricBucket(granularity time.Duration, start time.Time) *MetricBucket {
	return &MetricBucket{
		Granularity: granularity,
		Start:       start,
		End:         start.Add(granularity),
		Counters:    make(map[int]*ServiceStats),
		Lanes:       make(map[LaneType]*ServiceStats),
		Aggregate:   &ServiceStats{},
		AlertCounts: make(map[AlertKind]int),
	}
}

// Covers reports whether t falls in [Start, End).
func (b *MetricBucket) Covers(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (b *MetricBucket) Clone() *MetricBucket {
	if b == nil {
		return nil
	}
	c := *b
	c.Counters = make(map[int]*ServiceStats, len(b.Counters))
	for id, s := range b.Counters {
		c.Counters[id] = s.Clone()
	}
	c.Lanes = make(map[LaneType]*ServiceStats, len(b.Lanes))
	for lane, s := range b.Lanes {
		c.Lanes[lane] = s.Clone()
	}
	c.Aggregate = b.Aggregate.Clone()
	c.AlertCounts = make(map[AlertKind]int, len(b.AlertCounts))
	for k, v := range b.AlertCounts {
		c.AlertCounts[k] = v
	}
	return &c
}
