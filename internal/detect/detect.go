// Package detect supplies frames to the queue engine: sources produce
// captured images, a Detector turns each image into person detections and
// Pump hands the resulting frames to the engine's frame slot.
package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/queue.report/internal/monitoring"
	"github.com/banshee-data/queue.report/internal/queue"
)

// Image is one captured video frame. Data holds the encoded JPEG and may be
// empty for replayed sources whose detections are already known.
type Image struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// Detector finds people in an image.
type Detector interface {
	Detect(ctx context.Context, img Image) ([]queue.Detection, error)
}

// Source yields captured images in capture order. Next returns io.EOF when
// the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Image, error)
}

// FrameSink accepts frames for processing. pipeline.FrameSlot implements it.
type FrameSink interface {
	Offer(f queue.Frame) bool
}

// PumpStats counts what Pump did.
type PumpStats struct {
	Images   uint64
	Frames   uint64
	Failures uint64
}

// Pump reads images from src, runs det on each and offers the frames to
// sink until the source is exhausted, ctx is done or the sink is closed.
// Detector failures are logged and the image is skipped.
func Pump(ctx context.Context, src Source, det Detector, sink FrameSink) (PumpStats, error) {
	var st PumpStats
	for {
		img, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("read image: %w", err)
		}
		st.Images++

		dets, err := det.Detect(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			st.Failures++
			monitoring.Logf("detect: frame %d skipped: %v", img.Seq, err)
			continue
		}
		for i := range dets {
			if dets[i].Timestamp.IsZero() {
				dets[i].Timestamp = img.Timestamp
			}
		}
		if !sink.Offer(queue.Frame{Seq: img.Seq, Timestamp: img.Timestamp, Detections: dets}) {
			return st, nil
		}
		st.Frames++
	}
}
