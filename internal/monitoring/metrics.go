package monitoring

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/queue.report/internal/queue"
)

const metricPrefix = "queue_"

// Exporter publishes session snapshots and events as Prometheus metrics.
type Exporter struct {
	FramesProcessed prometheus.Counter
	FramesSkipped   prometheus.Counter
	FramesDropped   prometheus.Counter
	EventsDropped   prometheus.Counter
	LateRecords     prometheus.Counter
	Heals           prometheus.Counter

	ActiveTracks prometheus.Gauge
	QueueLength  *prometheus.GaugeVec
	Waiting      *prometheus.GaugeVec
	ActiveAlerts *prometheus.GaugeVec

	Services        *prometheus.CounterVec
	ServiceDuration *prometheus.HistogramVec
	WaitDuration    *prometheus.HistogramVec
	Alerts          *prometheus.CounterVec
	Buckets         *prometheus.CounterVec

	mu   sync.Mutex
	last queue.Snapshot
}

// NewExporter builds the collectors and registers them with reg.
func NewExporter(reg prometheus.Registerer) *Exporter {
	serviceBuckets := []float64{15, 30, 60, 90, 120, 180, 300, 600, 1200}
	e := &Exporter{
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "frames_processed_total",
			Help: "Frames run through the engine",
		}),
		FramesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "frames_skipped_total",
			Help: "Frames rejected for non-monotonic timestamps",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "frames_dropped_total",
			Help: "Frames replaced in the frame slot before processing",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "events_dropped_total",
			Help: "Outbound events discarded on overflow",
		}),
		LateRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "late_records_total",
			Help: "Service records that ended in an already finalized bucket window",
		}),
		Heals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "invariant_heals_total",
			Help: "Counter queues rebuilt after an invariant check failed",
		}),
		ActiveTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "active_tracks",
			Help: "Tracks alive in the latest frame",
		}),
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "length",
			Help: "Customers at a counter including the one being served",
		}, []string{"counter", "lane"}),
		Waiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "waiting",
			Help: "Customers waiting at a counter",
		}, []string{"counter", "lane"}),
		ActiveAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "active_alerts",
			Help: "Standing alerts by kind",
		}, []string{"kind"}),
		Services: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "services_completed_total",
			Help: "Completed services by counter and lane",
		}, []string{"counter", "lane"}),
		ServiceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "service_duration_seconds",
			Help:    "Service duration of completed services",
			Buckets: serviceBuckets,
		}, []string{"lane"}),
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "wait_duration_seconds",
			Help:    "Wait before service of completed services",
			Buckets: serviceBuckets,
		}, []string{"lane"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alert_transitions_total",
			Help: "Alert transitions by kind and type",
		}, []string{"kind", "type"}),
		Buckets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "buckets_finalized_total",
			Help: "Finalized metric buckets by granularity",
		}, []string{"granularity"}),
	}
	reg.MustRegister(
		e.FramesProcessed,
		e.FramesSkipped,
		e.FramesDropped,
		e.EventsDropped,
		e.LateRecords,
		e.Heals,
		e.ActiveTracks,
		e.QueueLength,
		e.Waiting,
		e.ActiveAlerts,
		e.Services,
		e.ServiceDuration,
		e.WaitDuration,
		e.Alerts,
		e.Buckets,
	)
	return e
}

// ObserveSnapshot updates gauges from s and advances the frame counters by
// the difference from the previously observed snapshot.
func (e *Exporter) ObserveSnapshot(s *queue.Snapshot) {
	if s == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.SessionID != e.last.SessionID {
		e.last = queue.Snapshot{SessionID: s.SessionID}
	}
	addDelta(e.FramesProcessed, s.FramesDone, e.last.FramesDone)
	addDelta(e.FramesSkipped, s.FramesSkipped, e.last.FramesSkipped)
	addDelta(e.FramesDropped, s.FramesDropped, e.last.FramesDropped)
	addDelta(e.EventsDropped, s.EventsDropped, e.last.EventsDropped)
	addDelta(e.LateRecords, s.LateRecords, e.last.LateRecords)
	addDelta(e.Heals, s.Heals, e.last.Heals)
	e.last.FramesDone = s.FramesDone
	e.last.FramesSkipped = s.FramesSkipped
	e.last.FramesDropped = s.FramesDropped
	e.last.EventsDropped = s.EventsDropped
	e.last.LateRecords = s.LateRecords
	e.last.Heals = s.Heals

	e.ActiveTracks.Set(float64(s.ActiveTracks))
	for _, c := range s.Counters {
		labels := prometheus.Labels{"counter": strconv.Itoa(c.ID), "lane": string(c.Lane)}
		e.QueueLength.With(labels).Set(float64(c.Length()))
		e.Waiting.With(labels).Set(float64(len(c.Waiting)))
	}
	byKind := make(map[queue.AlertKind]int, len(queue.AlertKinds))
	for _, a := range s.ActiveAlerts() {
		byKind[a.Kind]++
	}
	for _, k := range queue.AlertKinds {
		e.ActiveAlerts.WithLabelValues(string(k)).Set(float64(byKind[k]))
	}
}

func addDelta(c prometheus.Counter, now, prev uint64) {
	if now > prev {
		c.Add(float64(now - prev))
	}
}

// ObserveEvent records one outbound event.
func (e *Exporter) ObserveEvent(ev queue.Event) {
	switch ev.Kind {
	case queue.EventServiceRecord:
		if r := ev.Record; r != nil {
			e.Services.WithLabelValues(strconv.Itoa(r.CounterID), string(r.Lane)).Inc()
			e.ServiceDuration.WithLabelValues(string(r.Lane)).Observe(r.ServiceDuration.Seconds())
			e.WaitDuration.WithLabelValues(string(r.Lane)).Observe(r.WaitDuration.Seconds())
		}
	case queue.EventAlert:
		if tr := ev.Alert; tr != nil {
			e.Alerts.WithLabelValues(string(tr.Alert.Kind), string(tr.Type)).Inc()
		}
	case queue.EventBucket:
		if b := ev.Bucket; b != nil {
			e.Buckets.WithLabelValues(b.Granularity.String()).Inc()
		}
	}
}
