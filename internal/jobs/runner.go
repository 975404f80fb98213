// Package jobs runs optimization jobs for the daemon. Jobs are submitted
// as TOML mission documents through the Runner's Commands channel, queued,
// and optimized one at a time under a cancellable child context. Progress
// and state changes are published to the WebSocket hub.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/large-farva/pulse-engine/internal/config"
	"github.com/large-farva/pulse-engine/internal/logging"
	"github.com/large-farva/pulse-engine/internal/observability"
	"github.com/large-farva/pulse-engine/internal/planner"
	"github.com/large-farva/pulse-engine/internal/pulse"
	"github.com/large-farva/pulse-engine/internal/search"
	"github.com/large-farva/pulse-engine/internal/telemetry"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateDone       State = "done"
	StateInfeasible State = "infeasible"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s != StateQueued && s != StateRunning
}

var (
	ErrNotFound = errors.New("job not found")
	ErrFull     = errors.New("job registry full")
	ErrNotReady = errors.New("job has no schedule")
	ErrTLEPath  = errors.New("orbit.tle_file not allowed")
)

// Command is an external request sent to the runner via its Commands
// channel. The Reply channel receives exactly one result.
type Command struct {
	Type    string
	Payload json.RawMessage
	Reply   chan<- CommandResult
}

// CommandResult is the response sent back through a Command's Reply channel.
type CommandResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// SubmitPayload carries a mission document.
type SubmitPayload struct {
	Config string `json:"config"`
}

// CancelPayload names the job to cancel.
type CancelPayload struct {
	ID string `json:"id"`
}

// Job is the public view of one optimization job.
type Job struct {
	ID        string          `json:"id"`
	Mission   string          `json:"mission,omitempty"`
	Model     string          `json:"model"`
	State     State           `json:"state"`
	Submitted time.Time       `json:"submitted"`
	Started   time.Time       `json:"started,omitzero"`
	Finished  time.Time       `json:"finished,omitzero"`
	Progress  search.Progress `json:"progress"`
	Report    *planner.Report `json:"report,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type entry struct {
	Job

	plan   *planner.Plan
	planMu sync.Mutex // Schedule mutates model state
	cancel context.CancelFunc
	last   time.Time // last progress event
}

// Publisher is what the runner broadcasts through. ws.Hub satisfies it.
type Publisher interface {
	Publish(job string, v any)
}

// Options configure a Runner.
type Options struct {
	Hub     Publisher
	Logger  logging.Logger
	Metrics *observability.Collector
	// MaxJobs bounds the registry. Finished jobs are evicted oldest first
	// to make room.
	MaxJobs int
	// ProgressInterval throttles progress events per job.
	ProgressInterval time.Duration
	// Workers overrides search.workers of every submitted mission when > 0.
	Workers int
	// TLEDir is where submitted orbit.tle_file names are resolved. Empty
	// rejects missions that name a TLE file.
	TLEDir string
	// OnChange is called with the per-state counts after every job state
	// change.
	OnChange func(counts map[string]int)
}

// Runner owns the job registry and the worker that executes jobs.
type Runner struct {
	// Commands receives external commands from HTTP handlers.
	Commands chan Command

	hub      Publisher
	log      logging.Logger
	metrics  *observability.Collector
	maxJobs  int
	interval time.Duration
	workers  int
	tleDir   string
	onChange func(map[string]int)

	mu    sync.Mutex
	jobs  map[string]*entry
	order []string // submission order
	wake  chan struct{}
}

// New creates a runner. Call Run in a goroutine to start it.
func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.MaxJobs < 1 {
		opts.MaxJobs = 64
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	return &Runner{
		Commands: make(chan Command, 4),
		hub:      opts.Hub,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		maxJobs:  opts.MaxJobs,
		interval: opts.ProgressInterval,
		workers:  opts.Workers,
		tleDir:   opts.TLEDir,
		onChange: opts.OnChange,
		jobs:     make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

// Run handles commands and executes queued jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info(ctx, "job runner started", logging.Int("max_jobs", r.maxJobs))
	go r.work(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.Commands:
			r.handleCommand(ctx, cmd)
		}
	}
}

func (r *Runner) work(ctx context.Context) {
	for ctx.Err() == nil {
		if id, ok := r.next(); ok {
			r.execute(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
	}
}

// next returns the oldest queued job.
func (r *Runner) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if r.jobs[id].State == StateQueued {
			return id, true
		}
	}
	return "", false
}

// handleCommand dispatches an incoming command to the appropriate handler.
func (r *Runner) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case "submit":
		r.handleSubmitCommand(ctx, cmd)
	case "cancel":
		r.handleCancelCommand(ctx, cmd)
	case "ping":
		cmd.Reply <- CommandResult{OK: true, Message: "pong"}
	default:
		cmd.Reply <- CommandResult{OK: false, Error: "unknown command: " + cmd.Type}
	}
}

func (r *Runner) handleSubmitCommand(ctx context.Context, cmd Command) {
	var payload SubmitPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		cmd.Reply <- CommandResult{OK: false, Error: "invalid payload: " + err.Error()}
		return
	}
	id, err := r.submit(ctx, []byte(payload.Config))
	if err != nil {
		cmd.Reply <- CommandResult{OK: false, Error: err.Error()}
		return
	}
	cmd.Reply <- CommandResult{OK: true, Message: "job queued", JobID: id}
}

func (r *Runner) handleCancelCommand(ctx context.Context, cmd Command) {
	var payload CancelPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		cmd.Reply <- CommandResult{OK: false, Error: "invalid payload: " + err.Error()}
		return
	}
	if err := r.cancelJob(ctx, payload.ID); err != nil {
		cmd.Reply <- CommandResult{OK: false, Error: err.Error(), JobID: payload.ID}
		return
	}
	cmd.Reply <- CommandResult{OK: true, Message: "job cancelled", JobID: payload.ID}
}

// submit parses and plans doc, then queues it. Planning up front rejects
// malformed missions before they take a queue slot.
func (r *Runner) submit(ctx context.Context, doc []byte) (string, error) {
	cfg, err := config.Parse(doc)
	if err != nil {
		return "", err
	}
	if r.workers > 0 {
		cfg.Search.Workers = r.workers
	}
	if cfg.Orbit.TLEFile, err = r.resolveTLE(cfg.Orbit.TLEFile); err != nil {
		return "", err
	}

	id := logging.NewID()
	e := &entry{Job: Job{
		ID:        id,
		Mission:   cfg.Mission.Name,
		Model:     cfg.Mission.Model,
		State:     StateQueued,
		Submitted: time.Now().UTC(),
	}}
	jobLog := logging.ForJob(logging.ContextWithJobID(ctx, id), r.log)
	e.plan, err = planner.Build(cfg, planner.Options{
		Logger:   jobLog,
		Metrics:  r.metrics,
		Progress: func(p search.Progress) { r.progress(e, p) },
	})
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if err := r.makeRoom(); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.jobs[id] = e
	r.order = append(r.order, id)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}

	jobLog.Info(ctx, "job queued", logging.String("model", e.Model), logging.String("mission", e.Mission))
	r.publishState(e, StateQueued)
	r.changed()
	return id, nil
}

// resolveTLE maps a submitted orbit.tle_file onto the daemon's TLE
// directory. Only local names below that directory are accepted.
func (r *Runner) resolveTLE(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if r.tleDir == "" {
		return "", fmt.Errorf("%w: daemon has no server.tle_dir", ErrTLEPath)
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q must be a relative name inside server.tle_dir", ErrTLEPath, name)
	}
	return filepath.Join(r.tleDir, name), nil
}

// makeRoom evicts the oldest finished job when the registry is full.
// Callers hold r.mu.
func (r *Runner) makeRoom() error {
	if len(r.order) < r.maxJobs {
		return nil
	}
	for i, id := range r.order {
		if r.jobs[id].State.Terminal() {
			delete(r.jobs, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			return nil
		}
	}
	return ErrFull
}

func (r *Runner) cancelJob(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch e.State {
	case StateQueued:
		e.State = StateCancelled
		e.Finished = time.Now().UTC()
		r.mu.Unlock()
		r.publishState(e, StateCancelled)
		r.changed()
	case StateRunning:
		cancel := e.cancel
		r.mu.Unlock()
		cancel()
	default:
		state := e.State
		r.mu.Unlock()
		return fmt.Errorf("job %s already %s", id, state)
	}
	r.log.Info(logging.ContextWithJobID(ctx, id), "job cancelled by user")
	return nil
}

func (r *Runner) execute(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok || e.State != StateQueued {
		r.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(logging.ContextWithJobID(ctx, id))
	defer cancel()
	e.State = StateRunning
	e.Started = time.Now().UTC()
	e.cancel = cancel
	r.mu.Unlock()

	r.publishState(e, StateRunning)
	r.changed()

	e.planMu.Lock()
	rep, err := e.plan.Optimize(jobCtx)
	e.planMu.Unlock()

	state := StateDone
	switch {
	case err == nil:
	case errors.Is(err, planner.ErrInfeasible):
		state = StateInfeasible
	case errors.Is(err, context.Canceled):
		state = StateCancelled
	default:
		state = StateFailed
	}

	r.mu.Lock()
	e.State = state
	e.Finished = time.Now().UTC()
	e.Report = &rep
	e.cancel = nil
	if err != nil {
		e.Error = err.Error()
	}
	r.mu.Unlock()

	r.publishProgress(e, search.Progress{
		Trials:         rep.Stats.Combinations,
		FeasibleTrials: rep.Stats.FeasibleTrials,
		BestScore:      rep.DutyFactor,
	})
	r.publishState(e, state)
	r.changed()
}

// progress records p and publishes it at most once per interval.
func (r *Runner) progress(e *entry, p search.Progress) {
	now := time.Now()
	r.mu.Lock()
	e.Progress = p
	due := now.Sub(e.last) >= r.interval
	if due {
		e.last = now
	}
	r.mu.Unlock()
	if due {
		r.publishProgress(e, p)
	}
}

func (r *Runner) publishProgress(e *entry, p search.Progress) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(e.ID, telemetry.Progress{
		Event:          telemetry.NewEvent(telemetry.EventProgress, "jobs", e.ID),
		Trials:         p.Trials,
		FeasibleTrials: p.FeasibleTrials,
		BestDutyFactor: p.BestScore,
	})
}

func (r *Runner) publishState(e *entry, state State) {
	if r.hub == nil {
		return
	}
	ev := telemetry.JobUpdate{
		Event:   telemetry.NewEvent(telemetry.EventJob, "jobs", e.ID),
		State:   string(state),
		Mission: e.Mission,
	}
	r.mu.Lock()
	if e.Report != nil {
		ev.DutyFactor = e.Report.DutyFactor
	}
	ev.Error = e.Error
	r.mu.Unlock()
	r.hub.Publish(e.ID, ev)
}

func (r *Runner) changed() {
	counts := r.Counts()
	r.metrics.SetJobCounts(counts)
	if r.onChange != nil {
		r.onChange(counts)
	}
}

// Job returns a snapshot of one job.
func (r *Runner) Job(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.Job, true
}

// Jobs returns snapshots of every job, newest first.
func (r *Runner) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].Job)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Submitted.After(out[j].Submitted) })
	return out
}

// Counts returns the number of jobs per state.
func (r *Runner) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range r.jobs {
		counts[string(e.State)]++
	}
	return counts
}

// Active reports the number of queued or running jobs.
func (r *Runner) Active() int {
	n := 0
	for state, c := range r.Counts() {
		if !State(state).Terminal() {
			n += c
		}
	}
	return n
}

// WritePlot writes the schedule of a finished feasible job.
func (r *Runner) WritePlot(id string, w io.Writer, units pulse.DisplayUnits) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State != StateDone || e.Report == nil {
		state := e.State
		r.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s", ErrNotReady, id, state)
	}
	best := e.Report.Best
	r.mu.Unlock()

	e.planMu.Lock()
	defer e.planMu.Unlock()
	return e.plan.WritePlot(w, best, units)
}
