// Command queued runs a checkout queue session: it reads frames from a
// replay recording or an image directory, tracks customers through the
// configured counters and serves the live state over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/queue.report/internal/api"
	"github.com/banshee-data/queue.report/internal/config"
	"github.com/banshee-data/queue.report/internal/db"
	"github.com/banshee-data/queue.report/internal/detect"
	"github.com/banshee-data/queue.report/internal/httputil"
	"github.com/banshee-data/queue.report/internal/monitoring"
	"github.com/banshee-data/queue.report/internal/queue/pipeline"
	"github.com/banshee-data/queue.report/internal/report"
	"github.com/banshee-data/queue.report/internal/timeutil"
	"github.com/banshee-data/queue.report/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Queue configuration file (.json, .yaml or .yml)")
	listen      = flag.String("listen", ":8080", "Listen address (empty disables HTTP)")
	dbPath      = flag.String("db", "queue.db", "SQLite database path (empty disables persistence)")
	reportDir   = flag.String("reports", "", "Directory for bucket and live reports (empty disables)")
	replayPath  = flag.String("replay", "", "JSONL recording of frames with detections")
	speed       = flag.Float64("speed", 1.0, "Replay speed multiplier (0 replays as fast as possible)")
	imageDir    = flag.String("images", "", "Directory of JPEG frames for the HTTP detector")
	fps         = flag.Float64("fps", 5, "Capture rate of the image directory")
	detectorURL = flag.String("detector-url", "", "Person detection endpoint receiving JPEG frames")
	sessionID   = flag.String("session", "", "Session id (random when empty)")
	refresh     = flag.Duration("refresh", 5*time.Second, "Gauge and live report refresh interval")
	once        = flag.Bool("once", false, "Exit when the source is exhausted instead of serving until interrupted")
	traceLog    = flag.Bool("trace", false, "Log one line per processed frame")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// debugLogEnv names a file that receives all three engine log streams,
// trace included, in place of stderr.
const debugLogEnv = "QUEUE_DEBUG_LOG"

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("queued", version.String())
		return
	}
	if err := run(); err != nil {
		log.Fatalf("queued: %v", err)
	}
}

// run owns every resource of the session so that deferred cleanup, the
// database close in particular, happens on every exit path.
func run() error {
	closeLogs, err := configureLogs(os.Getenv(debugLogEnv), *traceLog)
	if err != nil {
		return err
	}
	defer closeLogs()

	cfg, err := config.LoadQueueConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close database: %v", err)
			}
		}()
	}

	clock := timeutil.RealClock{}
	src, det, err := openSource(clock)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	engine, err := pipeline.New(cfg, pipeline.Options{SessionID: *sessionID})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	log.Printf("session %s: %d counters", engine.SessionID(), len(engine.Zones()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	out := &sinks{exporter: monitoring.NewExporter(reg)}
	if store != nil {
		out.store = store
	}
	if *reportDir != "" {
		out.reports = &report.Writer{Dir: *reportDir}
	}

	var server *http.Server
	if *listen != "" {
		mux := api.NewServer(engine, storeOrNil(store), reg).ServeMux()
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return fmt.Errorf("attach admin routes: %w", err)
			}
		}
		server = &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// event consumer: ends when Close shuts the outbox
	wg.Add(1)
	go func() {
		defer wg.Done()
		n := out.drain(context.Background(), engine.Events())
		log.Printf("event consumer stopped after %d events", n)
	}()

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		out.refresh(refreshCtx, clock, *refresh, engine.Snapshot)
	}()

	// capture and processing
	slot := pipeline.NewFrameSlot()
	sourceDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(sourceDone)

		runErr := make(chan error, 1)
		go func() { runErr <- engine.Run(ctx, slot) }()

		st, err := detect.Pump(ctx, src, det, slot)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("source stopped: %v", err)
		}
		log.Printf("source done: %d images, %d frames, %d detector failures", st.Images, st.Frames, st.Failures)
		slot.Close()
		if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("engine stopped: %v", err)
		}
		if err := engine.Close(clock.Now()); err != nil {
			log.Printf("close session: %v", err)
		}
	}()

	serverErr := make(chan error, 1)
	if server != nil {
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				stop()
			}
		}()
	}

	if *once {
		select {
		case <-sourceDone:
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}
	stop()
	<-sourceDone
	stopRefresh()

	if server != nil {
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}

	wg.Wait()
	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	log.Printf("Graceful shutdown complete")
	return nil
}

// configureLogs routes the engine log streams. With a debug path every
// stream goes to that file; otherwise ops and diag go to stderr and trace
// only when requested. The returned func releases the file.
func configureLogs(debugPath string, trace bool) (func(), error) {
	if debugPath != "" {
		f, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", debugLogEnv, err)
		}
		pipeline.SetLegacyLogger(f)
		return func() {
			pipeline.SetLegacyLogger(nil)
			f.Close()
		}, nil
	}
	var tr io.Writer
	if trace {
		tr = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, os.Stderr, tr)
	return func() {}, nil
}

// storeOrNil keeps a nil *db.DB from becoming a non-nil api.Store.
func storeOrNil(store *db.DB) api.Store {
	if store == nil {
		return nil
	}
	return store
}

// openSource picks the frame source and detector from the flags.
func openSource(clock timeutil.Clock) (detect.Source, detect.Detector, error) {
	switch {
	case *replayPath != "" && *imageDir != "":
		return nil, nil, errors.New("-replay and -images are mutually exclusive")
	case *replayPath != "":
		rec, err := detect.LoadRecording(*replayPath)
		if err != nil {
			return nil, nil, err
		}
		return detect.NewReplaySource(rec, clock, *speed), detect.NewReplayDetector(rec), nil
	case *imageDir != "":
		if *detectorURL == "" {
			return nil, nil, errors.New("-images requires -detector-url")
		}
		if *fps <= 0 {
			return nil, nil, fmt.Errorf("-fps must be positive, got %g", *fps)
		}
		interval := time.Duration(float64(time.Second) / *fps)
		src, err := detect.OpenImageDir(*imageDir, interval, clock, *speed > 0)
		if err != nil {
			return nil, nil, err
		}
		return src, &detect.HTTPDetector{URL: *detectorURL, Client: httputil.NewClient(0)}, nil
	default:
		return nil, nil, errors.New("one of -replay or -images is required")
	}
}
