package scanning

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/large-farva/pulse-engine/internal/logging"
	"github.com/large-farva/pulse-engine/internal/pulse"
	"github.com/large-farva/pulse-engine/internal/search"
	"github.com/large-farva/pulse-engine/internal/timing"
)

// ErrNoBeams is returned by NewControl for an empty beam list.
var ErrNoBeams = errors.New("scanning: no beams configured")

// Option configures a Control.
type Option func(*Control)

// WithPolicy selects the overlap policy used during the search. The
// default is pulse.PolicyTransmitEcho.
func WithPolicy(p pulse.Policy) Option {
	return func(c *Control) { c.policy = p }
}

// WithWorkers sets how many goroutines evaluate trials.
func WithWorkers(n int) Option {
	return func(c *Control) { c.workers = n }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Control) {
		if l != nil {
			c.log = l
		}
	}
}

// WithProgress registers a callback invoked after every evaluated trial.
func WithProgress(fn func(search.Progress)) Option {
	return func(c *Control) { c.progress = fn }
}

// Control owns the beams of one scanning instrument and searches their
// joint timing space.
type Control struct {
	altitude float64
	beams    []*Beam
	policy   pulse.Policy
	workers  int
	log      logging.Logger
	progress func(search.Progress)
}

// NewControl builds a Control for beams flying at altitude metres.
func NewControl(altitude float64, beams []*Beam, opts ...Option) (*Control, error) {
	if len(beams) == 0 {
		return nil, ErrNoBeams
	}
	c := &Control{
		altitude: altitude,
		beams:    beams,
		policy:   pulse.PolicyTransmitEcho,
		workers:  1,
		log:      logging.Noop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Control) Beams() []*Beam { return c.beams }
func (c *Control) Policy() pulse.Policy { return c.policy }
func (c *Control) Altitude() float64 { return c.altitude }

// SetAltitude changes the altitude used by the next Optimize or Schedule.
func (c *Control) SetAltitude(altitude float64) { c.altitude = altitude }

// Combinations is the size of the joint search space once ranges are set.
func (c *Control) Combinations() int {
	n := 1
	for _, b := range c.beams {
		n *= b.Combinations()
	}
	return n
}

// Optimize applies conservative round-trip bounds to every beam and
// searches for the combination with the highest average duty factor.
func (c *Control) Optimize(ctx context.Context) (timing.Result, error) {
	for _, b := range c.beams {
		if err := b.FullBuffer(c.altitude); err != nil {
			return timing.Result{}, err
		}
	}
	return c.Search(ctx)
}

// trial is one frozen beam setting plus what is needed to replay it.
type trial struct {
	setting        timing.Setting
	rttMin, rttMax float64
	count          int
}

// Search runs the combination search with the round-trip bounds already on
// the beams. Each trial generates PulsesInFlight+2 pulses per beam, in
// beam order, into a fresh list; a feasible trial scores the mean duty
// factor of its beams.
func (c *Control) Search(ctx context.Context) (timing.Result, error) {
	for _, b := range c.beams {
		if err := b.SetRanges(); err != nil {
			return timing.Result{}, err
		}
		if b.pri.Empty() || b.pulseWidth.Empty() {
			err := fmt.Errorf("beam %d: empty sweep (PRI [%g, %g], pulse width [%g, %g])",
				b.id, b.pri.Min, b.pri.Max, b.pulseWidth.Min, b.pulseWidth.Max)
			return timing.Result{Stats: timing.Stats{LastConflict: err.Error()}}, timing.Infeasible(err)
		}
	}

	start := time.Now()
	c.log.Debug(ctx, "scanning search started",
		logging.Int("beams", len(c.beams)),
		logging.Int("combinations", c.Combinations()),
		logging.String("policy", c.policy.String()),
		logging.Int("workers", c.workers))

	dials := make([]timing.Dial, len(c.beams))
	for i, b := range c.beams {
		dials[i] = b
	}
	first := true
	next := func() ([]trial, bool) {
		if !first && !timing.Advance(dials...) {
			return nil, false
		}
		first = false
		return c.freeze(), true
	}

	best, stats, err := search.Run(ctx, search.Options{Workers: c.workers, Progress: c.progress}, next, c.evaluator)
	res := toResult(best, stats)
	if err != nil {
		return res, err
	}
	if !res.Feasible {
		c.log.Info(ctx, "scanning search found nothing feasible",
			logging.Int("combinations", res.Stats.Combinations),
			logging.String("last_conflict", res.Stats.LastConflict))
		return res, timing.Infeasible(stats.LastConflict)
	}
	c.log.Info(ctx, "scanning search finished",
		logging.Int("combinations", res.Stats.Combinations),
		logging.Int("feasible", res.Stats.FeasibleTrials),
		logging.Float("duty_factor", res.DutyFactor),
		logging.Any("elapsed", time.Since(start).String()))
	return res, nil
}

func (c *Control) freeze() []trial {
	ts := make([]trial, len(c.beams))
	for i, b := range c.beams {
		ts[i] = trial{
			setting: b.Snapshot(),
			rttMin:  b.rttMin,
			rttMax:  b.rttMax,
			count:   b.cfg.PulsesInFlight + 2,
		}
	}
	return ts
}

func (c *Control) evaluator() search.EvalFunc[[]trial] {
	list := pulse.NewList(c.policy)
	return func(ts []trial) search.Outcome {
		list.Reset()
		var duty float64
		for _, t := range ts {
			if err := generate(list, t.setting, t.rttMin, t.rttMax, t.count, true); err != nil {
				return search.Outcome{Conflict: err}
			}
			duty += t.setting.DutyFactor()
		}
		return search.Outcome{Feasible: true, Score: duty / float64(len(ts))}
	}
}

func toResult(best search.Best[[]trial], stats search.Stats) timing.Result {
	res := timing.Result{
		Feasible:   best.Found && best.Score > 0,
		DutyFactor: best.Score,
		Stats: timing.Stats{
			Combinations:   stats.Trials,
			FeasibleTrials: stats.FeasibleTrials,
		},
	}
	if stats.LastConflict != nil {
		res.Stats.LastConflict = stats.LastConflict.Error()
	}
	if res.Feasible {
		res.Best = make([]timing.Setting, len(best.Value))
		for i, t := range best.Value {
			res.Best[i] = t.setting
		}
	}
	return res
}

// Schedule replays best on the bare footprints: NoBuffer bounds, recalled
// settings, PulsesInFlight+3 unchecked pulses per beam.
func (c *Control) Schedule(best []timing.Setting) ([]pulse.Window, error) {
	r := timing.Result{Best: best}
	list := pulse.NewList(c.policy)
	for _, b := range c.beams {
		s, ok := r.Lookup(b.id)
		if !ok {
			return nil, fmt.Errorf("no setting for beam %d", b.id)
		}
		if err := b.NoBuffer(c.altitude); err != nil {
			return nil, err
		}
		b.Recall(s)
		if err := b.GeneratePulses(b.cfg.PulsesInFlight+3, list, false); err != nil {
			return nil, err
		}
	}
	return list.Windows(), nil
}

// WriteSample writes the schedule for best to path as a Grace/xmgr plot.
func (c *Control) WriteSample(path string, best []timing.Setting, units pulse.DisplayUnits) error {
	windows, err := c.Schedule(best)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create sample: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := pulse.WritePlot(w, windows, units); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
