package detect

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/queue.report/internal/timeutil"
)

// ImageDirSource yields the JPEG files of a directory in name order as a
// stream captured every Interval starting at the clock's time when the
// source was opened.
type ImageDirSource struct {
	files    []string
	clock    timeutil.Clock
	interval time.Duration
	paced    bool
	start    time.Time
	next     int
}

// OpenImageDir lists the .jpg/.jpeg files in dir. When paced is set, Next
// waits Interval between images.
func OpenImageDir(dir string, interval time.Duration, clock timeutil.Clock, paced bool) (*ImageDirSource, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("image interval must be positive, got %s", interval)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no jpeg images in %s", dir)
	}
	sort.Strings(files)
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ImageDirSource{files: files, clock: clock, interval: interval, paced: paced, start: clock.Now()}, nil
}

// Len is the number of images in the directory.
func (s *ImageDirSource) Len() int { return len(s.files) }

func (s *ImageDirSource) Next(ctx context.Context) (Image, error) {
	if s.next >= len(s.files) {
		return Image{}, io.EOF
	}
	if s.next > 0 && s.paced {
		if err := s.clock.Wait(ctx, s.interval); err != nil {
			return Image{}, err
		}
	}
	path := s.files[s.next]
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("read %s: %w", path, err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return Image{}, fmt.Errorf("%s is not a jpeg: %w", path, err)
	}
	seq := uint64(s.next)
	s.next++
	return Image{
		Seq:       seq,
		Timestamp: s.start.Add(time.Duration(seq) * s.interval),
		Data:      data,
	}, nil
}
