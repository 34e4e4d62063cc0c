// Package report writes finalized metric buckets and live snapshots to disk
// as JSON, an HTML chart page and a PNG histogram of service times.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/queue.report/internal/queue"
)

// histogramBins is the bin count of the service-time PNG.
const histogramBins = 12

// Writer lays reports out under Dir:
//
//	<Dir>/buckets/<granularity>/<start>.{json,html,png}
//	<Dir>/live.{json,html}
type Writer struct {
	Dir string
}

// Files lists what a write produced.
type Files struct {
	JSON string
	HTML string
	PNG  string
}

func bucketStem(b *queue.MetricBucket) string {
	return b.Start.UTC().Format("20060102T150405Z")
}

// WriteBucket writes the bucket's JSON, chart page and, when it holds at
// least one service, the service-time histogram.
func (w *Writer) WriteBucket(b *queue.MetricBucket) (Files, error) {
	dir := filepath.Join(w.Dir, "buckets", b.Granularity.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("create report dir: %w", err)
	}
	stem := filepath.Join(dir, bucketStem(b))
	out := Files{JSON: stem + ".json", HTML: stem + ".html"}

	if err := writeJSON(out.JSON, b); err != nil {
		return Files{}, err
	}
	page, err := bucketPage(b)
	if err != nil {
		return Files{}, err
	}
	if err := os.WriteFile(out.HTML, page, 0o644); err != nil {
		return Files{}, fmt.Errorf("write %s: %w", out.HTML, err)
	}
	if b.Aggregate != nil && len(b.Aggregate.Durations) > 0 {
		out.PNG = stem + ".png"
		if err := serviceHistogram(b, out.PNG); err != nil {
			return Files{}, err
		}
	}
	return out, nil
}

// WriteSnapshot overwrites the live snapshot JSON and queue chart.
func (w *Writer) WriteSnapshot(s *queue.Snapshot) (Files, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("create report dir: %w", err)
	}
	out := Files{JSON: filepath.Join(w.Dir, "live.json"), HTML: filepath.Join(w.Dir, "live.html")}
	if err := writeJSON(out.JSON, s); err != nil {
		return Files{}, err
	}
	page, err := snapshotPage(s)
	if err != nil {
		return Files{}, err
	}
	if err := os.WriteFile(out.HTML, page, 0o644); err != nil {
		return Files{}, fmt.Errorf("write %s: %w", out.HTML, err)
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func sortedCounters(m map[int]*queue.ServiceStats) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func bucketPage(b *queue.MetricBucket) ([]byte, error) {
	ids := sortedCounters(b.Counters)
	x := make([]string, 0, len(ids))
	avg := make([]opts.BarData, 0, len(ids))
	p95 := make([]opts.BarData, 0, len(ids))
	served := make([]opts.BarData, 0, len(ids))
	for _, id := range ids {
		st := b.Counters[id]
		x = append(x, "counter "+strconv.Itoa(id))
		avg = append(avg, opts.BarData{Value: st.AvgService.Seconds()})
		p95 = append(p95, opts.BarData{Value: st.P95Service.Seconds()})
		served = append(served, opts.BarData{Value: st.Count})
	}
	subtitle := fmt.Sprintf("%s to %s  throughput=%.1f/h  abandoned=%d",
		b.Start.UTC().Format(time.RFC3339), b.End.UTC().Format(time.RFC3339), b.Throughput, b.Abandoned)

	times := charts.NewBar()
	times.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Checkout queue report", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Service time per counter (s)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	times.SetXAxis(x).
		AddSeries("average", avg).
		AddSeries("p95", p95)

	counts := charts.NewBar()
	counts.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Customers served"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	counts.SetXAxis(x).AddSeries("served", served,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)

	page := components.NewPage()
	page.PageTitle = "Checkout queue report"
	page.AddCharts(times, counts)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, fmt.Errorf("render bucket page: %w", err)
	}
	return buf.Bytes(), nil
}

func snapshotPage(s *queue.Snapshot) ([]byte, error) {
	x := make([]string, 0, len(s.Counters))
	current := make([]opts.BarData, 0, len(s.Counters))
	waiting := make([]opts.BarData, 0, len(s.Counters))
	for _, c := range s.Counters {
		x = append(x, fmt.Sprintf("counter %d (%s)", c.ID, c.Status))
		n := 0
		if c.Current != nil {
			n = 1
		}
		current = append(current, opts.BarData{Value: n})
		waiting = append(waiting, opts.BarData{Value: len(c.Waiting)})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Live queues", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Queue length",
			Subtitle: fmt.Sprintf("%s  tracks=%d  alerts=%d", s.Timestamp.UTC().Format(time.RFC3339), s.ActiveTracks, len(s.ActiveAlerts())),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("being served", current, charts.WithBarChartOpts(opts.BarChart{Stack: "queue"})).
		AddSeries("waiting", waiting, charts.WithBarChartOpts(opts.BarChart{Stack: "queue"}))

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		return nil, fmt.Errorf("render snapshot page: %w", err)
	}
	return buf.Bytes(), nil
}

func serviceHistogram(b *queue.MetricBucket, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Service times %s (%s)", b.Start.UTC().Format(time.RFC3339), b.Granularity)
	p.X.Label.Text = "Service time (s)"
	p.Y.Label.Text = "Customers"

	h, err := plotter.NewHist(plotter.Values(b.Aggregate.Durations), histogramBins)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	p.Add(h)

	if target := b.Aggregate.AvgService.Seconds(); target > 0 {
		avg, err := plotter.NewLine(plotter.XYs{{X: target, Y: 0}, {X: target, Y: float64(b.Aggregate.Count)}})
		if err == nil {
			avg.Width = vg.Points(1)
			avg.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			p.Add(avg)
			p.Legend.Add("average", avg)
			p.Legend.Top = true
		}
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
