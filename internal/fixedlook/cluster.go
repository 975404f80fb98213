package fixedlook

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

var (
	// ErrNoPulsers is returned by NewCluster for an empty pulser list.
	ErrNoPulsers = errors.New("fixedlook: no pulsers configured")

	// ErrNoBounds is returned when a pulser has no round-trip bounds yet.
	ErrNoBounds = errors.New("fixedlook: round-trip bounds not set")

	// ErrUnbounded is returned when a swept parameter has no upper limit,
	// as with one pulse in flight and no configured PRI maximum.
	ErrUnbounded = errors.New("fixedlook: unbounded sweep")
)

// Option configures a Cluster.
type Option func(*Cluster)

// WithPolicy selects the overlap policy. The default is
// pulse.PolicySymmetric.
func WithPolicy(p pulse.Policy) Option {
	return func(c *Cluster) { c.policy = p }
}

func WithWorkers(n int) Option {
	return func(c *Cluster) { c.workers = n }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Cluster) {
		if l != nil {
			c.log = l
		}
	}
}

func WithProgress(fn func(search.Progress)) Option {
	return func(c *Cluster) { c.progress = fn }
}

// Cluster is a set of pulsers sharing one timeline.
type Cluster struct {
	pulsers  []*Pulser
	policy   pulse.Policy
	workers  int
	log      logging.Logger
	progress func(search.Progress)
}

// NewCluster returns a cluster over pulsers in the given order.
func NewCluster(pulsers []*Pulser, opts ...Option) (*Cluster, error) {
	if len(pulsers) == 0 {
		return nil, ErrNoPulsers
	}
	c := &Cluster{
		pulsers: pulsers,
		policy:  pulse.PolicySymmetric,
		workers: 1,
		log:     logging.Noop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Cluster) Pulsers() []*Pulser { return c.pulsers }
func (c *Cluster) Policy() pulse.Policy { return c.policy }

// SetAltitude derives round-trip bounds on every pulser.
func (c *Cluster) SetAltitude(altitude float64) error {
	for _, p := range c.pulsers {
		if err := p.SetAltitude(altitude); err != nil {
			return err
		}
	}
	return nil
}

// NeededPulseCount is the smallest count no lower than the largest
// pulses-in-flight that every pulser's pulses-in-flight divides, plus two.
// A trial of that many pulses per pulser covers one full period of the
// interleaving pattern. It reads the pulsers' current pulses in flight;
// Optimize resets those to the configured values first.
func (c *Cluster) NeededPulseCount() int {
	hi := 1
	for _, p := range c.pulsers {
		hi = max(hi, p.inFlight)
	}
	for n := hi; ; n++ {
		divisible := true
		for _, p := range c.pulsers {
			if n%p.inFlight != 0 {
				divisible = false
				break
			}
		}
		if divisible {
			return n + 2
		}
	}
}

type trial struct {
	setting timing.Setting
	bounds  echoBounds
}

// Optimize searches every joint combination of the pulsers' parameters.
// A trial emits NeededPulseCount pulses per pulser, round-robin across
// pulsers, into one list; a feasible trial scores the sum of the pulsers'
// duty factors.
func (c *Cluster) Optimize(ctx context.Context) (timing.Result, error) {
	for _, p := range c.pulsers {
		if !p.hasBounds {
			return timing.Result{}, fmt.Errorf("pulser %d: %w", p.id, ErrNoBounds)
		}
	}
	for _, p := range c.pulsers {
		p.GotoFirstCombo()
		if err := p.unbounded(); err != nil {
			return timing.Result{}, err
		}
		if p.pri.Empty() {
			err := fmt.Errorf("pulser %d: empty PRI range [%g, %g] for %d in flight",
				p.id, p.pri.Min, p.pri.Max, p.inFlight)
			return timing.Result{Stats: timing.Stats{LastConflict: err.Error()}}, timing.Infeasible(err)
		}
	}

	count := c.NeededPulseCount()

	start := time.Now()
	c.log.Debug(ctx, "fixed-look search started",
		logging.Int("pulsers", len(c.pulsers)),
		logging.Int("pulse_count", count),
		logging.String("policy", c.policy.String()),
		logging.Int("workers", c.workers))

	dials := make([]timing.Dial, len(c.pulsers))
	for i, p := range c.pulsers {
		dials[i] = p
	}
	first := true
	next := func() ([]trial, bool) {
		for {
			if !first && !timing.Advance(dials...) {
				return nil, false
			}
			first = false
			if c.valid() {
				return c.freeze(), true
			}
		}
	}
	newEval := func() search.EvalFunc[[]trial] {
		list := pulse.NewList(c.policy)
		return func(ts []trial) search.Outcome {
			list.Reset()
			for k := 0; k < count; k++ {
				for _, t := range ts {
					if err := list.AddIfSafe(t.bounds.window(t.setting, k)); err != nil {
						return search.Outcome{Conflict: fmt.Errorf("pulser %d pulse %d: %w", t.setting.Owner, k, err)}
					}
				}
			}
			var duty float64
			for _, t := range ts {
				duty += t.setting.DutyFactor()
			}
			return search.Outcome{Feasible: true, Score: duty}
		}
	}

	best, stats, err := search.Run(ctx, search.Options{Workers: c.workers, Progress: c.progress}, next, newEval)
	res := toResult(best, stats)
	if err != nil {
		return res, err
	}
	if !res.Feasible {
		c.log.Info(ctx, "fixed-look search found nothing feasible",
			logging.Int("combinations", res.Stats.Combinations),
			logging.String("last_conflict", res.Stats.LastConflict))
		return res, timing.Infeasible(stats.LastConflict)
	}
	c.log.Info(ctx, "fixed-look search finished",
		logging.Int("combinations", res.Stats.Combinations),
		logging.Int("feasible", res.Stats.FeasibleTrials),
		logging.Float("duty_factor", res.DutyFactor),
		logging.Any("elapsed", time.Since(start).String()))
	return res, nil
}

func (c *Cluster) valid() bool {
	for _, p := range c.pulsers {
		if !p.Valid() {
			return false
		}
	}
	return true
}

func (c *Cluster) freeze() []trial {
	ts := make([]trial, len(c.pulsers))
	for i, p := range c.pulsers {
		ts[i] = trial{setting: p.Snapshot(), bounds: p.bounds()}
	}
	return ts
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

// Schedule recalls best on every pulser and regenerates NeededPulseCount
// pulses each, round-robin and unchecked.
func (c *Cluster) Schedule(best []timing.Setting) ([]pulse.Window, error) {
	r := timing.Result{Best: best}
	for _, p := range c.pulsers {
		s, ok := r.Lookup(p.id)
		if !ok {
			return nil, fmt.Errorf("no setting for pulser %d", p.id)
		}
		p.Recall(s)
		p.ResetPulses()
	}
	list := pulse.NewList(c.policy)
	count := c.NeededPulseCount()
	for k := 0; k < count; k++ {
		for _, p := range c.pulsers {
			list.Add(p.NextPulse())
		}
	}
	return list.Windows(), nil
}

// WritePulseTiming writes the schedule for best to path as a Grace/xmgr
// plot with transmit, echo and nadir curves per pulser.
func (c *Cluster) WritePulseTiming(path string, best []timing.Setting, units pulse.DisplayUnits) error {
	windows, err := c.Schedule(best)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create pulse timing: %w", err)
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
