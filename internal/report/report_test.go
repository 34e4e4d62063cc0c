package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/queue.report/internal/queue"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func finalizedBucket() *queue.MetricBucket {
	b := queue.NewMetricBucket(time.Hour, t0)
	for i, d := range []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second} {
		r := queue.ServiceRecord{CounterID: i%2 + 1, Lane: queue.LaneRegular, ServiceDuration: d}
		b.Aggregate.Add(r)
		if b.Counters[r.CounterID] == nil {
			b.Counters[r.CounterID] = &queue.ServiceStats{}
		}
		b.Counters[r.CounterID].Add(r)
	}
	b.Aggregate.AvgService = time.Minute
	b.Throughput = 3
	b.Finalized = true
	return b
}

func TestWriteBucket(t *testing.T) {
	t.Parallel()
	w := &Writer{Dir: t.TempDir()}

	files, err := w.WriteBucket(finalizedBucket())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Dir, "buckets", "1h0m0s", "20260302T090000Z.json"), files.JSON)

	body, err := os.ReadFile(files.JSON)
	require.NoError(t, err)
	var got queue.MetricBucket
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 3, got.Aggregate.Count)
	assert.True(t, got.Finalized)

	html, err := os.ReadFile(files.HTML)
	require.NoError(t, err)
	assert.Contains(t, string(html), "counter 1")
	assert.Contains(t, string(html), "Customers served")

	png, err := os.ReadFile(files.PNG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "png signature")
}

func TestWriteBucket_EmptySkipsHistogram(t *testing.T) {
	t.Parallel()
	w := &Writer{Dir: t.TempDir()}
	files, err := w.WriteBucket(queue.NewMetricBucket(15*time.Minute, t0))
	require.NoError(t, err)
	assert.Empty(t, files.PNG)
	assert.FileExists(t, files.HTML)
}

func TestWriteSnapshot(t *testing.T) {
	t.Parallel()
	w := &Writer{Dir: filepath.Join(t.TempDir(), "nested")}
	s := &queue.Snapshot{
		SessionID: "s",
		Timestamp: t0,
		Counters: []queue.CounterSnapshot{
			{ID: 1, Status: queue.StatusWarning, Current: &queue.CurrentView{TrackID: 1}, Waiting: []queue.WaitingView{{TrackID: 2, Rank: 1}}},
			{ID: 2, Status: queue.StatusGood},
		},
	}
	files, err := w.WriteSnapshot(s)
	require.NoError(t, err)

	body, err := os.ReadFile(files.JSON)
	require.NoError(t, err)
	var got queue.Snapshot
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Len(t, got.Counters, 2)

	html, err := os.ReadFile(files.HTML)
	require.NoError(t, err)
	assert.Contains(t, string(html), "counter 1 (warning)")

	_, err = w.WriteSnapshot(s)
	require.NoError(t, err, "live files are overwritten")
}
