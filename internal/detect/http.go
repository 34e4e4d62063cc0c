package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/queue.report/internal/httputil"
	"github.com/banshee-data/queue.report/internal/queue"
)

// HTTPDetector posts each JPEG to a person-detection service and decodes
// its JSON reply:
//
//	{"detections": [{"x": 10, "y": 20, "width": 40, "height": 120, "confidence": 0.9, "class": "person"}]}
//
// Detections classed as anything other than "person" are dropped; an empty
// class is kept.
type HTTPDetector struct {
	URL    string
	Client httputil.Doer
}

type httpDetection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

type httpReply struct {
	Detections []httpDetection `json:"detections"`
}

// maxReply bounds the detector's response body.
const maxReply = 1 << 20

func (d *HTTPDetector) Detect(ctx context.Context, img Image) ([]queue.Detection, error) {
	if len(img.Data) == 0 {
		return nil, fmt.Errorf("frame %d has no image data", img.Seq)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post frame %d: %w", img.Seq, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReply))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var reply httpReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	out := make([]queue.Detection, 0, len(reply.Detections))
	for _, hd := range reply.Detections {
		if hd.Class != "" && hd.Class != "person" {
			continue
		}
		out = append(out, queue.Detection{
			Box:        queue.BBox{X: hd.X, Y: hd.Y, Width: hd.Width, Height: hd.Height},
			Confidence: hd.Confidence,
			Timestamp:  img.Timestamp,
		})
	}
	return out, nil
}
