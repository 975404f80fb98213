// Package app wires together the HTTP API, the WebSocket hub, and the job
// runner. It owns the daemon's lifecycle and is the single source of truth
// for the current operating state.
package app

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/large-farva/pulse-engine/internal/config"
	"github.com/large-farva/pulse-engine/internal/jobs"
	"github.com/large-farva/pulse-engine/internal/logging"
	"github.com/large-farva/pulse-engine/internal/observability"
	"github.com/large-farva/pulse-engine/internal/telemetry"
	"github.com/large-farva/pulse-engine/internal/ws"
)

// Daemon states.
const (
	StateBooting    = "BOOTING"
	StateIdle       = "IDLE"
	StateOptimizing = "OPTIMIZING"
)

// Options holds everything the App needs from the caller.
type Options struct {
	Logger     logging.Logger
	Cfg        config.Config
	Bind       string
	ConfigPath string
	// Registry receives the daemon's metrics; nil uses the global registry.
	Registry prometheus.Registerer
	// Heartbeat is the WebSocket heartbeat period.
	Heartbeat time.Duration
}

// App is the top-level daemon process.
type App struct {
	log        logging.Logger
	cfg        config.Config
	bind       string
	configPath string
	heartbeat  time.Duration
	server     *http.Server

	startedAt time.Time
	state     atomic.Value // current state string (BOOTING, IDLE, OPTIMIZING)

	wsHub   *ws.Hub
	runner  *jobs.Runner
	metrics *observability.Collector
}

// New creates an App in the BOOTING state. Call Run to start serving.
func New(opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	metrics, err := observability.NewCollector(opts.Registry)
	if err != nil {
		return nil, err
	}

	a := &App{
		log:        opts.Logger,
		cfg:        opts.Cfg,
		bind:       opts.Bind,
		configPath: opts.ConfigPath,
		heartbeat:  opts.Heartbeat,
		startedAt:  time.Now(),
		wsHub:      ws.NewHub(),
		metrics:    metrics,
	}
	a.state.Store(StateBooting)

	// search.workers = 0 leaves each mission's own setting alone.
	a.runner = jobs.New(jobs.Options{
		Hub:      a.wsHub,
		Logger:   opts.Logger,
		Metrics:  metrics,
		MaxJobs:  opts.Cfg.Server.MaxJobs,
		Workers:  opts.Cfg.Search.Workers,
		TLEDir:   opts.Cfg.Server.TLEDir,
		OnChange: a.jobsChanged,
	})
	return a, nil
}

// Runner exposes the job runner.
func (a *App) Runner() *jobs.Runner { return a.runner }

// Handler returns the daemon's HTTP routes wrapped in request metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/version", a.handleVersion)
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("POST /api/jobs", a.handleSubmit)
	mux.HandleFunc("GET /api/jobs", a.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.handleJob)
	mux.HandleFunc("GET /api/jobs/{id}/plot", a.handlePlot)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", a.handleCancel)
	mux.Handle("GET /ws", a.wsHub.Handler())
	return a.metrics.Middleware(mux)
}

// Run starts the HTTP server, WebSocket hub, heartbeat ticker, and job
// runner. It blocks until the context is cancelled or the server returns
// an error.
func (a *App) Run(ctx context.Context) error {
	bind := a.bind
	if bind == "" && a.cfg.Server.Bind != "" {
		bind = a.cfg.Server.Bind
	}
	if bind == "" {
		bind = "0.0.0.0:8080"
	}

	a.server = &http.Server{
		Addr:              bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}

	a.log.Info(ctx, "listening", logging.String("addr", "http://"+bind))
	a.start(ctx)

	go func() {
		<-ctx.Done()
		a.log.Info(context.Background(), "shutdown requested")
		_ = a.server.Shutdown(context.Background())
	}()

	if err := a.server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// start launches the background loops.
func (a *App) start(ctx context.Context) {
	go a.wsHub.Run(ctx)
	go a.runner.Run(ctx)
	a.transition(StateIdle)
	go a.heartbeatLoop(ctx)
}

func (a *App) jobsChanged(counts map[string]int) {
	if counts[string(jobs.StateQueued)]+counts[string(jobs.StateRunning)] > 0 {
		a.transition(StateOptimizing)
		return
	}
	a.transition(StateIdle)
}

// transition atomically updates the daemon state and broadcasts the change
// to all connected WebSocket clients.
func (a *App) transition(newState string) {
	old := a.state.Swap(newState).(string)
	if old == newState {
		return
	}
	a.wsHub.BroadcastJSON(telemetry.StateTransition{
		Event: telemetry.NewEvent(telemetry.EventState, "pulsed", ""),
		From:  old,
		To:    newState,
	})
}

// heartbeatLoop sends a periodic heartbeat event so clients can detect
// connectivity and track uptime without polling.
func (a *App) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(a.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.wsHub.BroadcastJSON(telemetry.Heartbeat{
				Event:         telemetry.NewEvent(telemetry.EventHeartbeat, "pulsed", ""),
				State:         a.state.Load().(string),
				UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
				ActiveJobs:    a.runner.Active(),
			})
		}
	}
}

// emit publishes a log line to every connected WebSocket client.
func (a *App) emit(level, message string) {
	a.wsHub.BroadcastJSON(telemetry.LogLine{
		Event:   telemetry.NewEvent(telemetry.EventLog, "pulsed", ""),
		Level:   level,
		Message: message,
	})
}
