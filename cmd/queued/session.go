package main

import (
	"context"
	"time"

	"github.com/banshee-data/queue.report/internal/monitoring"
	"github.com/banshee-data/queue.report/internal/queue"
	"github.com/banshee-data/queue.report/internal/report"
	"github.com/banshee-data/queue.report/internal/timeutil"
)

// recorder persists events. *db.DB implements it.
type recorder interface {
	Record(ctx context.Context, ev queue.Event) error
}

// sinks fans engine output out to the exporter, the store and the report
// writer. Any of them may be nil.
type sinks struct {
	exporter *monitoring.Exporter
	store    recorder
	reports  *report.Writer
}

// drain consumes events until the stream is closed. Sink failures are
// logged and do not stop the stream.
func (s *sinks) drain(ctx context.Context, events <-chan queue.Event) (n int) {
	for ev := range events {
		n++
		if s.exporter != nil {
			s.exporter.ObserveEvent(ev)
		}
		if s.store != nil {
			if err := s.store.Record(ctx, ev); err != nil {
				monitoring.Logf("persist %s event: %v", ev.Kind, err)
			}
		}
		if s.reports != nil && ev.Kind == queue.EventBucket && ev.Bucket != nil {
			if _, err := s.reports.WriteBucket(ev.Bucket); err != nil {
				monitoring.Logf("write bucket report: %v", err)
			}
		}
	}
	return n
}

// observe pushes one snapshot to the gauges and the live report.
func (s *sinks) observe(snap *queue.Snapshot) {
	if s.exporter != nil {
		s.exporter.ObserveSnapshot(snap)
	}
	if s.reports != nil {
		if _, err := s.reports.WriteSnapshot(snap); err != nil {
			monitoring.Logf("write live report: %v", err)
		}
	}
}

// refresh calls observe with the latest snapshot every interval until ctx
// is done, and once more on the way out.
func (s *sinks) refresh(ctx context.Context, clock timeutil.Clock, interval time.Duration, latest func() *queue.Snapshot) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.observe(latest())
			return
		case <-ticker.C():
			s.observe(latest())
		}
	}
}
