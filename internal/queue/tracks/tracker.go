// Package tracks turns per-frame person detections into identity-stable
// tracks.
//
// Responsibilities: greedy score-ordered association of detections to
// existing tracks, track creation for unmatched detections and miss-grace
// pruning. Key types: Assigner, Config.
//
// Dependency rule: tracks may depend on the queue data model only.
package tracks

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/queue.report/internal/queue"
)

// Metric selects how a detection is scored against a track.
type Metric string

const (
	// MetricIoU scores by bounding-box intersection over union.
	MetricIoU Metric = "iou"
	// MetricCentroid scores by centroid distance, 1 at zero distance and 0
	// at MaxCentroidDistance or beyond.
	MetricCentroid Metric = "centroid"
)

// Config holds assignment parameters.
type Config struct {
	Metric              Metric
	MinScore            float64 // Score a pair must reach to match
	MaxCentroidDistance float64 // Pixels; only used by MetricCentroid
	MissGrace           int     // Consecutive misses tolerated before pruning
	MinConfidence       float64 // Detections below this are ignored
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	switch c.Metric {
	case MetricIoU:
	case MetricCentroid:
		if c.MaxCentroidDistance <= 0 {
			return fmt.Errorf("max centroid distance must be positive, got %g", c.MaxCentroidDistance)
		}
	default:
		return fmt.Errorf("unknown match metric %q", c.Metric)
	}
	if c.MissGrace < 0 {
		return fmt.Errorf("miss grace must be non-negative, got %d", c.MissGrace)
	}
	return nil
}

// Assigner maintains the set of active tracks.
type Assigner struct {
	Config      Config
	Tracks      map[int64]*queue.Track
	NextTrackID int64

	// TracksCreated counts tracks seeded this session.
	TracksCreated int

	lost []int64
}

// NewAssigner returns an assigner with no tracks.
func NewAssigner(cfg Config) (*Assigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Assigner{
		Config:      cfg,
		Tracks:      make(map[int64]*queue.Track),
		NextTrackID: 1,
	}, nil
}

type candidate struct {
	trackID int64
	det     int
	score   float64
}

// Update associates one frame's detections with the active tracks and
// returns the tracks still active afterwards, ordered by id.
func (a *Assigner) Update(detections []queue.Detection, timestamp time.Time) []queue.Track {
	a.lost = a.lost[:0]

	// Step 1: drop low-confidence detections.
	dets := make([]queue.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence < a.Config.MinConfidence || d.Box.Area() <= 0 {
			continue
		}
		dets = append(dets, d)
	}

	// Step 2: score every pair that clears the threshold.
	ids := a.sortedIDs()
	var cands []candidate
	for _, id := range ids {
		tr := a.Tracks[id]
		for i, d := range dets {
			s := a.score(tr.Box, d.Box)
			if s >= a.Config.MinScore && s > 0 {
				cands = append(cands, candidate{trackID: id, det: i, score: s})
			}
		}
	}

	// Step 3: greedy matching, best first; ties go to the lower track id
	// and then the earlier detection.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].trackID != cands[j].trackID {
			return cands[i].trackID < cands[j].trackID
		}
		return cands[i].det < cands[j].det
	})
	matchedTrack := make(map[int64]bool, len(ids))
	matchedDet := make([]bool, len(dets))
	for _, c := range cands {
		if matchedTrack[c.trackID] || matchedDet[c.det] {
			continue
		}
		matchedTrack[c.trackID] = true
		matchedDet[c.det] = true
		tr := a.Tracks[c.trackID]
		tr.Box = dets[c.det].Box
		tr.LastSeen = timestamp
		tr.Misses = 0
	}

	// Step 4: age unmatched tracks and prune those past their grace.
	for _, id := range ids {
		if matchedTrack[id] {
			continue
		}
		tr := a.Tracks[id]
		tr.Misses++
		if tr.Misses > a.Config.MissGrace {
			delete(a.Tracks, id)
			a.lost = append(a.lost, id)
		}
	}

	// Step 5: seed new tracks from unmatched detections in input order.
	for i, d := range dets {
		if matchedDet[i] {
			continue
		}
		id := a.NextTrackID
		a.NextTrackID++
		a.Tracks[id] = &queue.Track{
			ID:        id,
			Box:       d.Box,
			FirstSeen: timestamp,
			LastSeen:  timestamp,
		}
		a.TracksCreated++
	}

	return a.Active()
}

// Active returns copies of the active tracks ordered by id.
func (a *Assigner) Active() []queue.Track {
	ids := a.sortedIDs()
	out := make([]queue.Track, 0, len(ids))
	for _, id := range ids {
		out = append(out, *a.Tracks[id])
	}
	return out
}

// Lost returns the ids pruned by the most recent Update.
func (a *Assigner) Lost() []int64 {
	return append([]int64(nil), a.lost...)
}

func (a *Assigner) sortedIDs() []int64 {
	ids := make([]int64, 0, len(a.Tracks))
	for id := range a.Tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *Assigner) score(track, det queue.BBox) float64 {
	if a.Config.Metric == MetricCentroid {
		tx, ty := track.Centroid()
		dx, dy := det.Centroid()
		dist := math.Hypot(tx-dx, ty-dy)
		s := 1 - dist/a.Config.MaxCentroidDistance
		if s < 0 {
			return 0
		}
		return s
	}
	return track.IoU(det)
}
