package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/queue.report/internal/queue"
	"github.com/banshee-data/queue.report/internal/queue/zones"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/queue.defaults.json"

// ZoneConfig describes one counter's queue area.
type ZoneConfig struct {
	ID       int     `json:"id" yaml:"id"`
	X        float64 `json:"x" yaml:"x"`
	Y        float64 `json:"y" yaml:"y"`
	Width    float64 `json:"width" yaml:"width"`
	Height   float64 `json:"height" yaml:"height"`
	Lane     string  `json:"lane,omitempty" yaml:"lane,omitempty"`
	Capacity *int    `json:"capacity,omitempty" yaml:"capacity,omitempty"`

	OptimalLength *int    `json:"optimal_length,omitempty" yaml:"optimal_length,omitempty"`
	MaxWait       *string `json:"max_wait,omitempty" yaml:"max_wait,omitempty"` // duration string like "5m"
}

// QueueConfig is the startup configuration of a session. It is immutable
// once the engine is built. Nil fields fall back to the defaults returned by
// the Get* accessors.
type QueueConfig struct {
	// Frame geometry
	FrameWidth  *int         `json:"frame_width,omitempty" yaml:"frame_width,omitempty"`
	FrameHeight *int         `json:"frame_height,omitempty" yaml:"frame_height,omitempty"`
	Zones       []ZoneConfig `json:"zones" yaml:"zones"`

	// Track assignment
	MatchMetric         *string  `json:"match_metric,omitempty" yaml:"match_metric,omitempty"` // "iou" or "centroid"
	MinMatchScore       *float64 `json:"min_match_score,omitempty" yaml:"min_match_score,omitempty"`
	MaxCentroidDistance *float64 `json:"max_centroid_distance,omitempty" yaml:"max_centroid_distance,omitempty"`
	MissGrace           *int     `json:"miss_grace,omitempty" yaml:"miss_grace,omitempty"`
	MinConfidence       *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`

	// Zone mapping
	HysteresisMargin *float64 `json:"hysteresis_margin,omitempty" yaml:"hysteresis_margin,omitempty"`

	// Queue state
	AbsenceGrace           *string `json:"absence_grace,omitempty" yaml:"absence_grace,omitempty"`
	Retention              *string `json:"retention,omitempty" yaml:"retention,omitempty"`
	DefaultServiceEstimate *string `json:"default_service_estimate,omitempty" yaml:"default_service_estimate,omitempty"`
	ServiceSampleSize      *int    `json:"service_sample_size,omitempty" yaml:"service_sample_size,omitempty"`

	// Alerts
	LongServiceThreshold    *string  `json:"long_service_threshold,omitempty" yaml:"long_service_threshold,omitempty"`
	BottleneckLength        *int     `json:"bottleneck_length,omitempty" yaml:"bottleneck_length,omitempty"`
	BottleneckDebounce      *string  `json:"bottleneck_debounce,omitempty" yaml:"bottleneck_debounce,omitempty"`
	ThroughputWindow        *string  `json:"throughput_window,omitempty" yaml:"throughput_window,omitempty"`
	MinCompletionsPerWindow *float64 `json:"min_completions_per_window,omitempty" yaml:"min_completions_per_window,omitempty"`
	AlertHistory            *int     `json:"alert_history,omitempty" yaml:"alert_history,omitempty"`

	// Metrics
	MetricWindows     []string `json:"metric_windows,omitempty" yaml:"metric_windows,omitempty"`
	TargetServiceTime *string  `json:"target_service_time,omitempty" yaml:"target_service_time,omitempty"`
	BucketHistory     *int     `json:"bucket_history,omitempty" yaml:"bucket_history,omitempty"`
	BucketLateness    *string  `json:"bucket_lateness,omitempty" yaml:"bucket_lateness,omitempty"`

	// Outbound event channel
	OutboundCapacity *int `json:"outbound_capacity,omitempty" yaml:"outbound_capacity,omitempty"`
}

// EmptyQueueConfig returns a QueueConfig with all fields unset.
func EmptyQueueConfig() *QueueConfig {
	return &QueueConfig{}
}

// LoadQueueConfig loads a QueueConfig from a .json, .yaml or .yml file and
// validates it. Omitted fields keep their defaults, so partial configs are
// safe.
func LoadQueueConfig(path string) (*QueueConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyQueueConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *QueueConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/queue/pipeline/
		"../../../../" + DefaultConfigPath,    // deeper packages
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadQueueConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *QueueConfig) Validate() error {
	durations := map[string]*string{
		"absence_grace":            c.AbsenceGrace,
		"retention":                c.Retention,
		"default_service_estimate": c.DefaultServiceEstimate,
		"long_service_threshold":   c.LongServiceThreshold,
		"bottleneck_debounce":      c.BottleneckDebounce,
		"throughput_window":        c.ThroughputWindow,
		"target_service_time":      c.TargetServiceTime,
		"bucket_lateness":          c.BucketLateness,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.MatchMetric != nil {
		switch *c.MatchMetric {
		case "iou", "centroid":
		default:
			return fmt.Errorf("match_metric must be \"iou\" or \"centroid\", got %q", *c.MatchMetric)
		}
	}
	if c.MinMatchScore != nil && (*c.MinMatchScore < 0 || *c.MinMatchScore > 1) {
		return fmt.Errorf("min_match_score must be between 0 and 1, got %f", *c.MinMatchScore)
	}
	if c.MaxCentroidDistance != nil && *c.MaxCentroidDistance <= 0 {
		return fmt.Errorf("max_centroid_distance must be positive, got %f", *c.MaxCentroidDistance)
	}
	if c.MissGrace != nil && *c.MissGrace < 0 {
		return fmt.Errorf("miss_grace must be non-negative, got %d", *c.MissGrace)
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
	}
	if c.HysteresisMargin != nil && *c.HysteresisMargin < 0 {
		return fmt.Errorf("hysteresis_margin must be non-negative, got %f", *c.HysteresisMargin)
	}
	if c.ServiceSampleSize != nil && *c.ServiceSampleSize <= 0 {
		return fmt.Errorf("service_sample_size must be positive, got %d", *c.ServiceSampleSize)
	}
	if c.BottleneckLength != nil && *c.BottleneckLength < 0 {
		return fmt.Errorf("bottleneck_length must be non-negative, got %d", *c.BottleneckLength)
	}
	if c.MinCompletionsPerWindow != nil && *c.MinCompletionsPerWindow < 0 {
		return fmt.Errorf("min_completions_per_window must be non-negative, got %f", *c.MinCompletionsPerWindow)
	}
	if c.OutboundCapacity != nil && *c.OutboundCapacity <= 0 {
		return fmt.Errorf("outbound_capacity must be positive, got %d", *c.OutboundCapacity)
	}
	for _, w := range c.MetricWindows {
		d, err := time.ParseDuration(w)
		if err != nil {
			return fmt.Errorf("invalid metric window '%s': %w", w, err)
		}
		if d <= 0 {
			return fmt.Errorf("metric window must be positive, got %s", w)
		}
	}
	for _, z := range c.Zones {
		if z.MaxWait != nil && *z.MaxWait != "" {
			if _, err := time.ParseDuration(*z.MaxWait); err != nil {
				return fmt.Errorf("zone %d: invalid max_wait '%s': %w", z.ID, *z.MaxWait, err)
			}
		}
	}

	zs, err := c.GetZones()
	if err != nil {
		return err
	}
	return zones.Validate(zs, float64(c.GetFrameWidth()), float64(c.GetFrameHeight()))
}

// GetZones converts the zone section into engine zones.
func (c *QueueConfig) GetZones() ([]queue.Zone, error) {
	out := make([]queue.Zone, 0, len(c.Zones))
	for _, z := range c.Zones {
		lane, err := queue.ParseLaneType(z.Lane)
		if err != nil {
			return nil, fmt.Errorf("%w: zone %d: %v", zones.ErrInvalidZone, z.ID, err)
		}
		capacity := 10
		if z.Capacity != nil {
			capacity = *z.Capacity
		}
		optimal := 3
		if z.OptimalLength != nil {
			optimal = *z.OptimalLength
		}
		maxWait := parseDurationOr(z.MaxWait, 5*time.Minute)
		out = append(out, queue.Zone{
			ID:            z.ID,
			Bounds:        queue.BBox{X: z.X, Y: z.Y, Width: z.Width, Height: z.Height},
			Lane:          lane,
			Capacity:      capacity,
			OptimalLength: optimal,
			MaxWait:       maxWait,
		})
	}
	return out, nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetFrameWidth returns the frame width in pixels.
func (c *QueueConfig) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 1280
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame height in pixels.
func (c *QueueConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 720
	}
	return *c.FrameHeight
}

// GetMatchMetric returns the track similarity metric.
func (c *QueueConfig) GetMatchMetric() string {
	if c.MatchMetric == nil {
		return "iou"
	}
	return *c.MatchMetric
}

// GetMinMatchScore returns the similarity a detection must reach to
// continue an existing track.
func (c *QueueConfig) GetMinMatchScore() float64 {
	if c.MinMatchScore == nil {
		return 0.3
	}
	return *c.MinMatchScore
}

// GetMaxCentroidDistance returns the centroid distance (pixels) that maps to
// a zero similarity score.
func (c *QueueConfig) GetMaxCentroidDistance() float64 {
	if c.MaxCentroidDistance == nil {
		return 100
	}
	return *c.MaxCentroidDistance
}

// GetMissGrace returns the consecutive missed frames a track survives.
// Zero prunes a track on its first miss.
func (c *QueueConfig) GetMissGrace() int {
	if c.MissGrace == nil {
		return 0
	}
	return *c.MissGrace
}

// GetMinConfidence returns the detection confidence floor.
func (c *QueueConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0
	}
	return *c.MinConfidence
}

// GetHysteresisMargin returns the zone exit margin in pixels.
func (c *QueueConfig) GetHysteresisMargin() float64 {
	if c.HysteresisMargin == nil {
		return 0
	}
	return *c.HysteresisMargin
}

// GetAbsenceGrace returns how long an entry's track may be absent from its
// zone before the entry leaves the queue.
func (c *QueueConfig) GetAbsenceGrace() time.Duration {
	return parseDurationOr(c.AbsenceGrace, 0)
}

// GetRetention returns how long completed entries stay visible.
func (c *QueueConfig) GetRetention() time.Duration {
	return parseDurationOr(c.Retention, 30*time.Second)
}

// GetDefaultServiceEstimate returns the service time assumed before any
// service has been observed at a counter.
func (c *QueueConfig) GetDefaultServiceEstimate() time.Duration {
	return parseDurationOr(c.DefaultServiceEstimate, 2*time.Minute)
}

// GetServiceSampleSize returns how many recent services feed wait estimates.
func (c *QueueConfig) GetServiceSampleSize() int {
	if c.ServiceSampleSize == nil {
		return 100
	}
	return *c.ServiceSampleSize
}

// GetLongServiceThreshold returns the LONG_SERVICE threshold. Zero disables
// the rule.
func (c *QueueConfig) GetLongServiceThreshold() time.Duration {
	return parseDurationOr(c.LongServiceThreshold, 5*time.Second)
}

// GetBottleneckLength returns the waiting count that raises
// QUEUE_BOTTLENECK. Zero defers to zone capacity only.
func (c *QueueConfig) GetBottleneckLength() int {
	if c.BottleneckLength == nil {
		return 0
	}
	return *c.BottleneckLength
}

// GetBottleneckDebounce returns how long a bottleneck must persist.
func (c *QueueConfig) GetBottleneckDebounce() time.Duration {
	return parseDurationOr(c.BottleneckDebounce, 0)
}

// GetThroughputWindow returns the rolling throughput window.
func (c *QueueConfig) GetThroughputWindow() time.Duration {
	return parseDurationOr(c.ThroughputWindow, 15*time.Minute)
}

// GetMinCompletionsPerWindow returns the LOW_THROUGHPUT target. Zero
// disables the rule.
func (c *QueueConfig) GetMinCompletionsPerWindow() float64 {
	if c.MinCompletionsPerWindow == nil {
		return 0
	}
	return *c.MinCompletionsPerWindow
}

// GetAlertHistory returns how many cleared alerts are retained.
func (c *QueueConfig) GetAlertHistory() int {
	if c.AlertHistory == nil {
		return 1000
	}
	return *c.AlertHistory
}

// GetMetricWindows returns the bucket granularities.
func (c *QueueConfig) GetMetricWindows() []time.Duration {
	if len(c.MetricWindows) == 0 {
		return []time.Duration{time.Hour, 24 * time.Hour}
	}
	out := make([]time.Duration, 0, len(c.MetricWindows))
	for _, w := range c.MetricWindows {
		if d, err := time.ParseDuration(w); err == nil && d > 0 {
			out = append(out, d)
		}
	}
	return out
}

// GetTargetServiceTime returns the service time used for efficiency scores.
func (c *QueueConfig) GetTargetServiceTime() time.Duration {
	return parseDurationOr(c.TargetServiceTime, 2*time.Minute)
}

// GetBucketHistory returns how many finalized buckets are retained per
// granularity.
func (c *QueueConfig) GetBucketHistory() int {
	if c.BucketHistory == nil {
		return 48
	}
	return *c.BucketHistory
}

// GetBucketLateness returns how long a metric window stays open past its
// end. Windows are also held while a customer last seen inside them is
// still being served.
func (c *QueueConfig) GetBucketLateness() time.Duration {
	return parseDurationOr(c.BucketLateness, 5*time.Second)
}

// GetOutboundCapacity returns the outbound event buffer size.
func (c *QueueConfig) GetOutboundCapacity() int {
	if c.OutboundCapacity == nil {
		return 256
	}
	return *c.OutboundCapacity
}
