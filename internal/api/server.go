// Package api serves the live queue state, metric buckets, alerts and
// stored service records over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/queue.report/internal/db"
	"github.com/banshee-data/queue.report/internal/httputil"
	"github.com/banshee-data/queue.report/internal/monitoring"
	"github.com/banshee-data/queue.report/internal/queue"
	"github.com/banshee-data/queue.report/internal/version"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Engine is the read side of a running queue session.
type Engine interface {
	SessionID() string
	Snapshot() *queue.Snapshot
	Zones() []queue.Zone
	Granularities() []time.Duration
	Buckets(g time.Duration) []*queue.MetricBucket
	OpenBucket(g time.Duration) (*queue.MetricBucket, bool)
	AlertHistory() []queue.Alert
}

// Store is the persisted history. *db.DB implements it.
type Store interface {
	ServiceRecords(ctx context.Context, f db.RecordFilter) ([]queue.ServiceRecord, error)
	Alerts(ctx context.Context, activeOnly bool, limit int) ([]queue.Alert, error)
	Buckets(ctx context.Context, granularity time.Duration, limit int) ([]*queue.MetricBucket, error)
}

type Server struct {
	engine   Engine
	store    Store
	gatherer prometheus.Gatherer
}

// NewServer builds a server over engine. store and gatherer may be nil, in
// which case the endpoints that need them answer 503 or are not mounted.
func NewServer(engine Engine, store Store, gatherer prometheus.Gatherer) *Server {
	return &Server{engine: engine, store: store, gatherer: gatherer}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/api/snapshot", s.showSnapshot)
	mux.HandleFunc("/api/counters", s.showCounter)
	mux.HandleFunc("/api/zones", s.listZones)
	mux.HandleFunc("/api/buckets", s.listBuckets)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/records", s.listRecords)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// getOnly writes a 405 for anything but GET and reports whether to go on.
func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return false
	}
	return true
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	snap := s.engine.Snapshot()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"session_id": s.engine.SessionID(),
		"seq":        snap.Seq,
		"timestamp":  snap.Timestamp,
		"version":    version.Version,
	})
}

func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) showCounter(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	snap := s.engine.Snapshot()
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		httputil.WriteJSON(w, http.StatusOK, snap.Counters)
		return
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		httputil.BadRequest(w, "invalid counter id %q", idStr)
		return
	}
	c := snap.Counter(id)
	if c == nil {
		httputil.NotFound(w, "counter %d not configured", id)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.engine.Zones())
}

// granularity parses ?granularity=, defaulting to the finest configured
// width, and checks it is one the engine aggregates.
func (s *Server) granularity(r *http.Request) (time.Duration, bool) {
	gs := s.engine.Granularities()
	raw := r.URL.Query().Get("granularity")
	if raw == "" {
		return gs[0], true
	}
	g, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	for _, c := range gs {
		if c == g {
			return g, true
		}
	}
	return 0, false
}

func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil && n >= 0
}

type bucketsResponse struct {
	Granularity string                `json:"granularity"`
	Open        *queue.MetricBucket   `json:"open,omitempty"`
	Closed      []*queue.MetricBucket `json:"closed"`
}

// listBuckets serves retained buckets from memory, or from the store with
// ?source=db.
func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	g, ok := s.granularity(r)
	if !ok {
		httputil.BadRequest(w, "unknown granularity %q", r.URL.Query().Get("granularity"))
		return
	}
	resp := bucketsResponse{Granularity: g.String()}
	if r.URL.Query().Get("source") == "db" {
		if s.store == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no store configured")
			return
		}
		limit, ok := queryLimit(r)
		if !ok {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		closed, err := s.store.Buckets(r.Context(), g, limit)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		resp.Closed = closed
	} else {
		resp.Closed = s.engine.Buckets(g)
		if open, ok := s.engine.OpenBucket(g); ok {
			resp.Open = open
		}
	}
	if resp.Closed == nil {
		resp.Closed = []*queue.MetricBucket{}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type alertsResponse struct {
	Active  []queue.Alert `json:"active"`
	History []queue.Alert `json:"history"`
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	q := r.URL.Query()
	if q.Get("source") == "db" {
		if s.store == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no store configured")
			return
		}
		limit, ok := queryLimit(r)
		if !ok {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		stored, err := s.store.Alerts(r.Context(), q.Get("active") == "true", limit)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, stored)
		return
	}
	resp := alertsResponse{Active: s.engine.Snapshot().ActiveAlerts()}
	if q.Get("active") != "true" {
		resp.History = s.engine.AlertHistory()
	}
	if resp.Active == nil {
		resp.Active = []queue.Alert{}
	}
	if resp.History == nil {
		resp.History = []queue.Alert{}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	if s.store == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	q := r.URL.Query()
	var f db.RecordFilter
	if raw := q.Get("counter"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			httputil.BadRequest(w, "invalid counter %q", raw)
			return
		}
		f.CounterID = id
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.BadRequest(w, "invalid since %q: want RFC3339", raw)
			return
		}
		f.Since = since
	}
	limit, ok := queryLimit(r)
	if !ok {
		httputil.BadRequest(w, "invalid limit")
		return
	}
	f.Limit = limit

	records, err := s.store.ServiceRecords(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if records == nil {
		records = []queue.ServiceRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}
