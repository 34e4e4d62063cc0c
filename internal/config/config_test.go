package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/queue.report/internal/queue"
	"github.com/banshee-data/queue.report/internal/queue/zones"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyQueueConfig()

	if got := cfg.GetFrameWidth(); got != 1280 {
		t.Errorf("GetFrameWidth() = %d, want 1280", got)
	}
	if got := cfg.GetMatchMetric(); got != "iou" {
		t.Errorf("GetMatchMetric() = %q, want iou", got)
	}
	if got := cfg.GetHysteresisMargin(); got != 0 {
		t.Errorf("GetHysteresisMargin() = %f, want 0", got)
	}
	if got := cfg.GetAbsenceGrace(); got != 0 {
		t.Errorf("GetAbsenceGrace() = %s, want 0", got)
	}
	if got := cfg.GetMissGrace(); got != 0 {
		t.Errorf("GetMissGrace() = %d, want 0", got)
	}
	if got := cfg.GetDefaultServiceEstimate(); got != 2*time.Minute {
		t.Errorf("GetDefaultServiceEstimate() = %s, want 2m", got)
	}
	if got := cfg.GetMetricWindows(); len(got) != 2 || got[0] != time.Hour || got[1] != 24*time.Hour {
		t.Errorf("GetMetricWindows() = %v, want [1h 24h]", got)
	}
	if got := cfg.GetOutboundCapacity(); got != 256 {
		t.Errorf("GetOutboundCapacity() = %d, want 256", got)
	}
	if got := cfg.GetBucketLateness(); got != 5*time.Second {
		t.Errorf("GetBucketLateness() = %s, want 5s", got)
	}
}

func TestDefaultsFile(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	zs, err := cfg.GetZones()
	if err != nil {
		t.Fatalf("GetZones() error: %v", err)
	}
	if len(zs) != 4 {
		t.Fatalf("expected 4 zones, got %d", len(zs))
	}
	if zs[0].Lane != queue.LaneExpress || zs[0].Capacity != 5 {
		t.Errorf("zone 1 = %+v, want express lane with capacity 5", zs[0])
	}
	if zs[2].OptimalLength != 3 || zs[2].MaxWait != 5*time.Minute {
		t.Errorf("zone 3 status defaults = %d/%s, want 3/5m", zs[2].OptimalLength, zs[2].MaxWait)
	}
	if got := cfg.GetHysteresisMargin(); got != 15 {
		t.Errorf("hysteresis_margin = %f, want 15", got)
	}
	if got := cfg.GetAbsenceGrace(); got != 2*time.Second {
		t.Errorf("absence_grace = %s, want 2s", got)
	}
	if got := cfg.GetLongServiceThreshold(); got != 5*time.Minute {
		t.Errorf("long_service_threshold = %s, want 5m", got)
	}
}

func TestLoadQueueConfig(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "queue.json")
	jsonCfg := `{
  "frame_width": 640,
  "frame_height": 480,
  "zones": [{"id": 1, "x": 0, "y": 0, "width": 100, "height": 200, "lane": "Express", "max_wait": "90s"}],
  "absence_grace": "1500ms",
  "metric_windows": ["15m"]
}`
	if err := os.WriteFile(jsonPath, []byte(jsonCfg), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadQueueConfig(jsonPath)
	if err != nil {
		t.Fatalf("LoadQueueConfig(json) error: %v", err)
	}
	if got := cfg.GetAbsenceGrace(); got != 1500*time.Millisecond {
		t.Errorf("absence_grace = %s, want 1.5s", got)
	}
	zs, _ := cfg.GetZones()
	if zs[0].Lane != queue.LaneExpress || zs[0].MaxWait != 90*time.Second || zs[0].Capacity != 10 {
		t.Errorf("zone = %+v", zs[0])
	}

	yamlPath := filepath.Join(dir, "queue.yaml")
	yamlCfg := `frame_width: 640
frame_height: 480
zones:
  - id: 7
    x: 10
    y: 10
    width: 100
    height: 100
    capacity: 3
match_metric: centroid
max_centroid_distance: 80
`
	if err := os.WriteFile(yamlPath, []byte(yamlCfg), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadQueueConfig(yamlPath)
	if err != nil {
		t.Fatalf("LoadQueueConfig(yaml) error: %v", err)
	}
	if cfg.GetMatchMetric() != "centroid" || cfg.GetMaxCentroidDistance() != 80 {
		t.Errorf("tracking = %s/%f", cfg.GetMatchMetric(), cfg.GetMaxCentroidDistance())
	}
	zs, _ = cfg.GetZones()
	if zs[0].ID != 7 || zs[0].Capacity != 3 {
		t.Errorf("zone = %+v", zs[0])
	}
}

func TestLoadQueueConfigErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantSub string
	}{
		{"extension", write("queue.toml", "x"), "extension"},
		{"missing", filepath.Join(dir, "absent.json"), "stat"},
		{"bad json", write("bad.json", "{"), "parse"},
		{"bad duration", write("dur.json", `{"zones":[{"id":1,"width":10,"height":10}],"retention":"soon"}`), "retention"},
		{"bad metric", write("metric.json", `{"zones":[{"id":1,"width":10,"height":10}],"match_metric":"hungarian"}`), "match_metric"},
		{"no zones", write("nozones.json", `{}`), "no zones"},
		{"bad lane", write("lane.json", `{"zones":[{"id":1,"width":10,"height":10,"lane":"vip"}]}`), "lane"},
		{"zone outside frame", write("outside.json", `{"frame_width":100,"frame_height":100,"zones":[{"id":1,"x":95,"width":10,"height":10}]}`), "outside"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadQueueConfig(tt.path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestZoneErrorsWrapSentinel(t *testing.T) {
	cfg := &QueueConfig{Zones: []ZoneConfig{{ID: 1, Width: 10, Height: 10}, {ID: 1, X: 20, Width: 10, Height: 10}}}
	err := cfg.Validate()
	if !errors.Is(err, zones.ErrInvalidZone) {
		t.Fatalf("Validate() = %v, want ErrInvalidZone", err)
	}
}
