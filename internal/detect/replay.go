package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/queue.report/internal/queue"
	"github.com/banshee-data/queue.report/internal/timeutil"
)

// maxReplayLine bounds one JSONL record.
const maxReplayLine = 4 << 20

// Recording is a sequence of frames with known detections, one JSON
// queue.Frame per line.
type Recording struct {
	Frames []queue.Frame
	bySeq  map[uint64]int
}

// LoadRecording reads a JSONL recording from path.
func LoadRecording(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return ReadRecording(f)
}

// ReadRecording parses JSONL frames from r. Blank lines are ignored;
// sequence numbers must be unique.
func ReadRecording(r io.Reader) (*Recording, error) {
	rec := &Recording{bySeq: make(map[uint64]int)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxReplayLine)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var fr queue.Frame
		if err := json.Unmarshal(b, &fr); err != nil {
			return nil, fmt.Errorf("recording line %d: %w", line, err)
		}
		if _, dup := rec.bySeq[fr.Seq]; dup {
			return nil, fmt.Errorf("recording line %d: duplicate seq %d", line, fr.Seq)
		}
		rec.bySeq[fr.Seq] = len(rec.Frames)
		rec.Frames = append(rec.Frames, fr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return rec, nil
}

// WriteRecording writes frames as JSONL.
func WriteRecording(w io.Writer, frames []queue.Frame) error {
	enc := json.NewEncoder(w)
	for _, fr := range frames {
		if err := enc.Encode(fr); err != nil {
			return err
		}
	}
	return nil
}

// ReplayDetector answers Detect from a recording, keyed by image sequence.
type ReplayDetector struct {
	rec *Recording
}

func NewReplayDetector(rec *Recording) *ReplayDetector {
	return &ReplayDetector{rec: rec}
}

func (d *ReplayDetector) Detect(ctx context.Context, img Image) ([]queue.Detection, error) {
	i, ok := d.rec.bySeq[img.Seq]
	if !ok {
		return nil, fmt.Errorf("no recorded detections for frame %d", img.Seq)
	}
	return append([]queue.Detection(nil), d.rec.Frames[i].Detections...), nil
}

// ReplaySource yields the recording's frames as images, waiting between
// frames for the recorded gap divided by Speed. Speed <= 0 disables pacing.
type ReplaySource struct {
	rec   *Recording
	clock timeutil.Clock
	speed float64
	next  int
	last  time.Time
}

func NewReplaySource(rec *Recording, clock timeutil.Clock, speed float64) *ReplaySource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ReplaySource{rec: rec, clock: clock, speed: speed}
}

func (s *ReplaySource) Next(ctx context.Context) (Image, error) {
	if s.next >= len(s.rec.Frames) {
		return Image{}, io.EOF
	}
	fr := s.rec.Frames[s.next]
	if s.next > 0 && s.speed > 0 {
		gap := time.Duration(float64(fr.Timestamp.Sub(s.last)) / s.speed)
		if err := s.clock.Wait(ctx, gap); err != nil {
			return Image{}, err
		}
	}
	s.next++
	s.last = fr.Timestamp
	return Image{Seq: fr.Seq, Timestamp: fr.Timestamp}, nil
}
