// Package planner turns a loaded configuration into a runnable optimizer
// for either instrument model, runs it under a span with metrics, and
// exports the winning schedule.
package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/large-farva/pulse-engine/internal/config"
	"github.com/large-farva/pulse-engine/internal/fixedlook"
	"github.com/large-farva/pulse-engine/internal/geometry"
	"github.com/large-farva/pulse-engine/internal/logging"
	"github.com/large-farva/pulse-engine/internal/observability"
	"github.com/large-farva/pulse-engine/internal/orbit"
	"github.com/large-farva/pulse-engine/internal/pulse"
	"github.com/large-farva/pulse-engine/internal/scanning"
	"github.com/large-farva/pulse-engine/internal/search"
	"github.com/large-farva/pulse-engine/internal/timing"
)

// ErrInfeasible is returned by Optimize when nothing feasible was found.
var ErrInfeasible = timing.ErrInfeasible

// Planner is the contract both instrument models satisfy.
type Planner interface {
	Optimize(ctx context.Context) (timing.Result, error)
	Schedule(best []timing.Setting) ([]pulse.Window, error)
}

// Altitude sources reported in Report.AltitudeSource.
const (
	AltitudeFromMission = "mission"
	AltitudeFromTLE     = "tle"
)

// Options are the collaborators a Plan runs with. All are optional.
type Options struct {
	Logger   logging.Logger
	Progress func(search.Progress)
	Metrics  *observability.Collector
	Now      func() time.Time
}

// Plan is a configured optimizer ready to run. A Plan mutates its model
// state and must not be used from more than one goroutine at a time.
type Plan struct {
	Mission        string
	Model          string
	Altitude       float64 // metres
	AltitudeSource string
	Policy         pulse.Policy
	Workers        int
	Units          pulse.DisplayUnits

	planner Planner
	log     logging.Logger
	metrics *observability.Collector
	now     func() time.Time
}

// Report is the JSON form of one optimization run.
type Report struct {
	Mission        string           `json:"mission,omitempty"`
	Model          string           `json:"model"`
	Policy         string           `json:"policy"`
	AltitudeM      float64          `json:"altitude_m"`
	AltitudeSource string           `json:"altitude_source"`
	Workers        int              `json:"workers"`
	Feasible       bool             `json:"feasible"`
	DutyFactor     float64          `json:"duty_factor"`
	Best           []timing.Setting `json:"best,omitempty"`
	Stats          timing.Stats     `json:"stats"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Error          string           `json:"error,omitempty"`
}

// Build validates cfg, resolves the altitude (propagating the TLE when
// one is configured) and constructs the model's optimizer.
func Build(cfg config.Config, opts Options) (*Plan, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Plan{
		Mission:        cfg.Mission.Name,
		Model:          cfg.Mission.Model,
		Altitude:       cfg.Altitude(),
		AltitudeSource: AltitudeFromMission,
		Workers:        cfg.Search.Workers,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
	}
	if p.Workers == 0 {
		p.Workers = runtime.NumCPU()
	}
	units, err := pulse.ParseUnits(cfg.Export.Units)
	if err != nil {
		return nil, err
	}
	p.Units = units

	if cfg.Orbit.TLEFile != "" {
		alt, err := altitudeFromTLE(cfg.Orbit)
		if err != nil {
			return nil, err
		}
		p.Altitude, p.AltitudeSource = alt, AltitudeFromTLE
	}

	switch cfg.Mission.Model {
	case config.ModelScanning:
		p.Policy = pulse.PolicyTransmitEcho
	case config.ModelFixedLook:
		p.Policy = pulse.PolicySymmetric
	}
	if cfg.Search.Policy != "" {
		if p.Policy, err = pulse.ParsePolicy(cfg.Search.Policy); err != nil {
			return nil, err
		}
	}

	switch cfg.Mission.Model {
	case config.ModelScanning:
		p.planner, err = p.buildScanning(cfg.Beams, opts)
	case config.ModelFixedLook:
		p.planner, err = p.buildFixedLook(cfg.Pulsers, opts)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func altitudeFromTLE(o config.OrbitConfig) (float64, error) {
	el, err := orbit.LoadTLE(o.TLEFile, o.NoradID)
	if err != nil {
		return 0, err
	}
	at, err := o.EpochTime()
	if err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = el.Epoch
	}
	alt, err := el.Altitude(at)
	if err != nil {
		return 0, fmt.Errorf("altitude of %s at %s: %w", el.Name, at.Format(time.RFC3339), err)
	}
	if alt <= 0 {
		return 0, fmt.Errorf("altitude of %s at %s is %.0f m", el.Name, at.Format(time.RFC3339), alt)
	}
	return alt, nil
}

// owners assigns each entry its configured id, falling back to its index,
// and rejects duplicates since schedules are matched back by owner.
func owners(ids []int) ([]int, error) {
	out := make([]int, len(ids))
	seen := make(map[int]int, len(ids))
	for i, id := range ids {
		if id == 0 {
			id = i
		}
		if j, dup := seen[id]; dup {
			return nil, fmt.Errorf("entries %d and %d share id %d", j, i, id)
		}
		seen[id] = i
		out[i] = id
	}
	return out, nil
}

func (p *Plan) buildScanning(beams []config.BeamConfig, opts Options) (Planner, error) {
	ids := make([]int, len(beams))
	for i, b := range beams {
		ids[i] = b.ID
	}
	owner, err := owners(ids)
	if err != nil {
		return nil, fmt.Errorf("beam: %w", err)
	}
	out := make([]*scanning.Beam, len(beams))
	for i, b := range beams {
		out[i] = scanning.NewBeam(owner[i], scanning.BeamConfig{
			LookAngle:      geometry.Radians(b.LookAngleDeg),
			BeamWidth:      geometry.Radians(b.BeamWidthDeg),
			AngleBuffer:    geometry.Radians(b.AngleBufferDeg),
			TimeBuffer:     b.TimeBufferS,
			PulsesInFlight: b.PulsesInFlight,
			PRI:            b.PRI.Range(),
			PulseWidth:     b.PulseWidth.Range(),
			Offset:         b.Offset.Value,
		})
	}
	return scanning.NewControl(p.Altitude, out,
		scanning.WithPolicy(p.Policy),
		scanning.WithWorkers(p.Workers),
		scanning.WithLogger(opts.Logger),
		scanning.WithProgress(opts.Progress),
	)
}

func (p *Plan) buildFixedLook(pulsers []config.PulserConfig, opts Options) (Planner, error) {
	ids := make([]int, len(pulsers))
	for i, c := range pulsers {
		ids[i] = c.ID
	}
	owner, err := owners(ids)
	if err != nil {
		return nil, fmt.Errorf("pulser: %w", err)
	}
	out := make([]*fixedlook.Pulser, len(pulsers))
	for i, c := range pulsers {
		out[i] = fixedlook.NewPulser(owner[i], fixedlook.PulserConfig{
			LookAngle:      geometry.Radians(c.LookAngleDeg),
			BeamWidth:      geometry.Radians(c.BeamWidthDeg),
			AngleBuffer:    geometry.Radians(c.AngleBufferDeg),
			TimeBuffer:     c.TimeBufferS,
			NadirLookAngle: geometry.Radians(c.NadirLookAngleDeg),
			NadirBeamWidth: geometry.Radians(c.NadirBeamWidthDeg),
			PulsesInFlight: c.PulsesInFlight,
			PRI:            c.PRI.Range(),
			PulseWidth:     c.PulseWidth.Range(),
			Offset:         c.Offset.Range(),
		})
	}
	cl, err := fixedlook.NewCluster(out,
		fixedlook.WithPolicy(p.Policy),
		fixedlook.WithWorkers(p.Workers),
		fixedlook.WithLogger(opts.Logger),
		fixedlook.WithProgress(opts.Progress),
	)
	if err != nil {
		return nil, err
	}
	if err := cl.SetAltitude(p.Altitude); err != nil {
		return nil, err
	}
	return cl, nil
}

// Planner exposes the underlying model optimizer.
func (p *Plan) Planner() Planner { return p.planner }

// Optimize runs the search. The Report is filled in even when the run is
// infeasible, in which case the returned error wraps ErrInfeasible.
func (p *Plan) Optimize(ctx context.Context) (Report, error) {
	ctx, span := observability.Tracer().Start(ctx, "planner.Optimize", trace.WithAttributes(
		attribute.String("pulse.model", p.Model),
		attribute.String("pulse.policy", p.Policy.String()),
		attribute.Float64("pulse.altitude_m", p.Altitude),
		attribute.Int("pulse.workers", p.Workers),
	))
	defer span.End()

	start := p.now()
	res, err := p.planner.Optimize(ctx)
	elapsed := p.now().Sub(start)

	rep := p.report(res, elapsed, err)
	outcome := outcomeOf(err)
	p.metrics.ObserveOptimization(p.Model, outcome, res.Stats.Combinations, res.Stats.FeasibleTrials, res.DutyFactor, elapsed)

	span.SetAttributes(
		attribute.String("pulse.outcome", outcome),
		attribute.Int("pulse.combinations", res.Stats.Combinations),
		attribute.Int("pulse.feasible_trials", res.Stats.FeasibleTrials),
	)
	fields := []logging.Field{
		logging.String("model", p.Model),
		logging.String("outcome", outcome),
		logging.Int("combinations", res.Stats.Combinations),
		logging.Int("feasible_trials", res.Stats.FeasibleTrials),
		logging.Any("elapsed", elapsed),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		p.log.Warn(ctx, "optimization finished without a schedule", append(fields, logging.Err(err))...)
		return rep, err
	}
	span.SetAttributes(attribute.Float64("pulse.duty_factor", res.DutyFactor))
	p.log.Info(ctx, "optimization finished", append(fields, logging.Float("duty_factor", res.DutyFactor))...)
	return rep, nil
}

func (p *Plan) report(res timing.Result, elapsed time.Duration, err error) Report {
	rep := Report{
		Mission:        p.Mission,
		Model:          p.Model,
		Policy:         p.Policy.String(),
		AltitudeM:      p.Altitude,
		AltitudeSource: p.AltitudeSource,
		Workers:        p.Workers,
		Feasible:       res.Feasible,
		DutyFactor:     res.DutyFactor,
		Best:           res.Best,
		Stats:          res.Stats,
		ElapsedSeconds: elapsed.Seconds(),
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeFeasible
	case errors.Is(err, ErrInfeasible):
		return observability.OutcomeInfeasible
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCancelled
	default:
		return observability.OutcomeError
	}
}

// Schedule replays best into concrete windows.
func (p *Plan) Schedule(best []timing.Setting) ([]pulse.Window, error) {
	return p.planner.Schedule(best)
}

// WritePlot writes the replayed schedule as an xmgr plot.
func (p *Plan) WritePlot(w io.Writer, best []timing.Setting, units pulse.DisplayUnits) error {
	windows, err := p.Schedule(best)
	if err != nil {
		return err
	}
	return pulse.WritePlot(w, windows, units)
}

// Export writes the plot to path through the model's own writer.
func (p *Plan) Export(path string, best []timing.Setting, units pulse.DisplayUnits) error {
	switch m := p.planner.(type) {
	case *scanning.Control:
		return m.WriteSample(path, best, units)
	case *fixedlook.Cluster:
		return m.WritePulseTiming(path, best, units)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create plot: %w", err)
	}
	if err := p.WritePlot(f, best, units); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
