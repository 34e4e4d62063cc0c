package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/queue.report/internal/config"
	"github.com/banshee-data/queue.report/internal/db"
	"github.com/banshee-data/queue.report/internal/detect"
	"github.com/banshee-data/queue.report/internal/monitoring"
	"github.com/banshee-data/queue.report/internal/queue"
	"github.com/banshee-data/queue.report/internal/queue/pipeline"
	"github.com/banshee-data/queue.report/internal/report"
	"github.com/banshee-data/queue.report/internal/timeutil"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu     sync.Mutex
	events []queue.Event
	fail   bool
}

func (m *memRecorder) Record(_ context.Context, ev queue.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.events = append(m.events, ev)
	return nil
}

func TestSinksDrain(t *testing.T) {
	rec := &memRecorder{}
	out := &sinks{
		exporter: monitoring.NewExporter(prometheus.NewRegistry()),
		store:    rec,
		reports:  &report.Writer{Dir: t.TempDir()},
	}

	events := make(chan queue.Event, 3)
	events <- queue.Event{Kind: queue.EventServiceRecord, Record: &queue.ServiceRecord{CounterID: 1, ServiceDuration: time.Minute}}
	events <- queue.Event{Kind: queue.EventBucket, Bucket: queue.NewMetricBucket(time.Hour, t0)}
	events <- queue.Event{Kind: queue.EventAlert, Alert: &queue.AlertTransition{Type: queue.TransitionRaised}}
	close(events)

	assert.Equal(t, 3, out.drain(context.Background(), events))
	assert.Len(t, rec.events, 3)
	assert.FileExists(t, out.reports.Dir+"/buckets/1h0m0s/20260302T090000Z.html")

	rec.fail = true
	events = make(chan queue.Event, 1)
	events <- queue.Event{Kind: queue.EventBucket, Bucket: queue.NewMetricBucket(time.Hour, t0)}
	close(events)
	assert.Equal(t, 1, out.drain(context.Background(), events), "store failures do not stop the stream")
}

func TestSinksRefresh(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	out := &sinks{exporter: monitoring.NewExporter(prometheus.NewRegistry())}

	calls := make(chan struct{}, 16)
	latest := func() *queue.Snapshot {
		calls <- struct{}{}
		return &queue.Snapshot{SessionID: "s"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		out.refresh(ctx, clock, time.Second, latest)
		close(done)
	}()

	// The ticker is created by the goroutine; keep advancing until it fires.
	deadline := time.After(2 * time.Second)
	for fired := false; !fired; {
		clock.Advance(time.Second)
		select {
		case <-calls:
			fired = true
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("refresh never observed a snapshot")
		}
	}

	cancel()
	<-done
	select {
	case <-calls:
	default:
		t.Fatal("refresh should observe once more on exit")
	}
}

func TestStoreOrNil(t *testing.T) {
	require.Nil(t, storeOrNil(nil))
}

// setFlags overrides command-line flags for one test.
func setFlags(t *testing.T, values map[string]string) {
	t.Helper()
	for name, v := range values {
		f := flag.Lookup(name)
		require.NotNil(t, f, name)
		prev := f.Value.String()
		require.NoError(t, flag.Set(name, v))
		t.Cleanup(func() { flag.Set(name, prev) })
	}
}

const oneCounterConfig = `{
  "frame_width": 640,
  "frame_height": 480,
  "zones": [{"id": 1, "x": 0, "y": 0, "width": 300, "height": 460}],
  "metric_windows": ["1m"]
}`

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte(oneCounterConfig), 0o644))
	return path
}

func TestRun_ReplayIntoStore(t *testing.T) {
	dir := t.TempDir()

	// One customer at counter 1 for 3s, then an empty frame. Frames are
	// paced so the newest-wins slot keeps up.
	var frames []queue.Frame
	for i := 0; i <= 7; i++ {
		ts := t0.Add(time.Duration(i) * 500 * time.Millisecond)
		fr := queue.Frame{Seq: uint64(i + 1), Timestamp: ts}
		if i < 7 {
			fr.Detections = []queue.Detection{{Box: queue.BBox{X: 80, Y: 180, Width: 40, Height: 120}, Confidence: 0.9, Timestamp: ts}}
		}
		frames = append(frames, fr)
	}
	replay := filepath.Join(dir, "frames.jsonl")
	f, err := os.Create(replay)
	require.NoError(t, err)
	require.NoError(t, detect.WriteRecording(f, frames))
	require.NoError(t, f.Close())

	dbFile := filepath.Join(dir, "queue.db")
	setFlags(t, map[string]string{
		"config":  writeConfig(t, dir),
		"db":      dbFile,
		"replay":  replay,
		"speed":   "50",
		"listen":  "",
		"once":    "true",
		"session": "run-test",
		"reports": filepath.Join(dir, "reports"),
	})
	require.NoError(t, run())
	assert.NoFileExists(t, dbFile+"-wal", "database closed on exit")
	assert.FileExists(t, filepath.Join(dir, "reports", "live.json"))

	store, err := db.NewDB(dbFile)
	require.NoError(t, err)
	defer store.Close()
	records, err := store.ServiceRecords(context.Background(), db.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].CounterID)
	assert.Positive(t, records[0].ServiceDuration)
	assert.LessOrEqual(t, records[0].ServiceDuration, 3*time.Second)
}

func TestRun_ClosesStoreOnError(t *testing.T) {
	dir := t.TempDir()
	dbFile := filepath.Join(dir, "queue.db")
	setFlags(t, map[string]string{
		"config": writeConfig(t, dir),
		"db":     dbFile,
		"replay": "",
		"images": "",
		"listen": "",
	})
	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open source")
	assert.FileExists(t, dbFile)
	assert.NoFileExists(t, dbFile+"-wal")
}

func TestConfigureLogs_DebugFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	release, err := configureLogs(path, false)
	require.NoError(t, err)

	cfg, err := config.LoadQueueConfig(writeConfig(t, t.TempDir()))
	require.NoError(t, err)
	_, err = pipeline.New(cfg, pipeline.Options{SessionID: "log-test"})
	require.NoError(t, err)
	release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session log-test started")

	_, err = configureLogs(filepath.Join(t.TempDir(), "missing", "debug.log"), false)
	assert.Error(t, err)
}
