// Package fixedlook implements the fixed-look multi-pulser model. Each
// pulser points at one footprint, keeps its own nadir return window, and
// sweeps offset, pulse width and PRI. The cluster searches the joint space
// for the highest summed duty factor.
package fixedlook

import (
	"fmt"
	"math"

	"github.com/large-farva/pulse-engine/internal/geometry"
	"github.com/large-farva/pulse-engine/internal/pulse"
	"github.com/large-farva/pulse-engine/internal/timing"
)

// PulserConfig is the static description of one pulser. Angles are
// radians, times seconds. A parameter with Step == 0 is fixed at Current;
// otherwise it is swept and Min/Max act as its configured floor/ceiling.
type PulserConfig struct {
	LookAngle      float64
	BeamWidth      float64
	AngleBuffer    float64
	TimeBuffer     float64
	NadirLookAngle float64
	NadirBeamWidth float64
	PulsesInFlight int

	PRI        timing.Range
	PulseWidth timing.Range
	Offset     timing.Range
}

// Pulser is the per-pulser state machine: configured, then positioned on
// a combination by GotoFirstCombo/GotoNextCombo, then generating pulses.
type Pulser struct {
	id  int
	cfg PulserConfig
	lim timing.Limits

	rttMin, rttMax     float64
	nadirMin, nadirMax float64
	hasBounds          bool

	inFlight               int
	pri, pulseWidth, offset timing.Range
	pulseCount             int
}

// NewPulser returns a pulser with limits taken from cfg.
func NewPulser(id int, cfg PulserConfig) *Pulser {
	if cfg.PulsesInFlight < 1 {
		cfg.PulsesInFlight = 1
	}
	p := &Pulser{id: id, cfg: cfg, inFlight: cfg.PulsesInFlight}
	p.lim.PRIFloor, p.lim.PRICeil = limits(cfg.PRI)
	p.lim.PulseWidthFloor, p.lim.PulseWidthCeil = limits(cfg.PulseWidth)
	p.lim.OffsetFloor, p.lim.OffsetCeil = limits(cfg.Offset)
	return p
}

// limits turns a configured parameter into a floor and ceiling. A fixed
// value is both.
func limits(r timing.Range) (floor, ceil float64) {
	if r.Swept() {
		return r.Min, r.Max
	}
	return r.Current, r.Current
}

func (p *Pulser) ID() int { return p.id }
func (p *Pulser) Config() PulserConfig { return p.cfg }
func (p *Pulser) Limits() timing.Limits { return p.lim }
func (p *Pulser) PulsesInFlight() int { return p.inFlight }
func (p *Pulser) PRI() timing.Range { return p.pri }
func (p *Pulser) PulseWidth() timing.Range { return p.pulseWidth }
func (p *Pulser) Offset() timing.Range { return p.offset }

// SetAltitude derives the beam and nadir round-trip bounds. Both use the
// angle buffer and time buffer; nadir angles are folded at zero.
func (p *Pulser) SetAltitude(altitude float64) error {
	gc := geometry.EarthRadius + altitude
	horizon := geometry.HorizonAngle(gc)

	half := p.cfg.BeamWidth/2 + p.cfg.AngleBuffer
	far := p.cfg.LookAngle + half
	nadirFar := p.cfg.NadirLookAngle + p.cfg.NadirBeamWidth/2 + p.cfg.AngleBuffer
	if far >= horizon || nadirFar >= horizon {
		return fmt.Errorf("pulser %d: footprint beyond horizon %.3f rad", p.id, horizon)
	}

	lo, hi := geometry.EchoBounds(altitude, p.cfg.LookAngle-half, far)
	nlo, nhi := geometry.EchoBounds(altitude, p.cfg.NadirLookAngle-p.cfg.NadirBeamWidth/2-p.cfg.AngleBuffer, nadirFar)
	tb := p.cfg.TimeBuffer
	p.SetRoundTrip(lo-tb, hi+tb)
	p.SetNadirRoundTrip(nlo-tb, nhi+tb)
	return nil
}

// SetRoundTrip assigns the beam echo bounds directly.
func (p *Pulser) SetRoundTrip(min, max float64) {
	p.rttMin, p.rttMax = min, max
	p.hasBounds = true
}

// SetNadirRoundTrip assigns the nadir return bounds directly.
func (p *Pulser) SetNadirRoundTrip(min, max float64) {
	p.nadirMin, p.nadirMax = min, max
}

// RoundTrip returns the beam and nadir bounds.
func (p *Pulser) RoundTrip() (rttMin, rttMax, nadirMin, nadirMax float64) {
	return p.rttMin, p.rttMax, p.nadirMin, p.nadirMax
}

// SetPulsesInFlight derives the PRI range for n pulses in flight and moves
// PRI to its minimum. It reports false when that range is empty.
func (p *Pulser) SetPulsesInFlight(n int) bool {
	if n < 1 {
		n = 1
	}
	p.inFlight = n
	lo, hi := timing.PRIBounds(p.rttMin, p.rttMax, n, p.lim)
	p.pri = timing.Range{Current: lo, Min: lo, Max: hi, Step: p.cfg.PRI.Step}
	return p.SetPri(lo)
}

// SetPri moves PRI to v and re-derives the pulse-width and offset ranges,
// leaving both at their minimum. A v outside the PRI range is refused: PRI
// goes back to its minimum, the ranges are derived from that, and SetPri
// returns false.
func (p *Pulser) SetPri(v float64) bool {
	ok := p.pri.Set(v)
	b := timing.DeriveBounds(timing.State{
		RTTMin:   p.rttMin,
		RTTMax:   p.rttMax,
		InFlight: p.inFlight,
		PRI:      p.pri.Current,
		Limits:   p.lim,
	})
	pwMin := math.Max(b.PulseWidthMin, p.cfg.PulseWidth.Step)
	p.pulseWidth = timing.Range{Current: pwMin, Min: pwMin, Max: b.PulseWidthMax, Step: p.cfg.PulseWidth.Step}
	p.offset = timing.Range{Current: b.OffsetMin, Min: b.OffsetMin, Max: b.OffsetMax, Step: p.cfg.Offset.Step}
	return ok && !p.pri.Empty()
}

// SetPulseWidth accepts w inside the current range; otherwise pulse width
// returns to its minimum and SetPulseWidth reports false.
func (p *Pulser) SetPulseWidth(w float64) bool { return p.pulseWidth.Set(w) }

// SetOffset is SetPulseWidth for the transmit offset.
func (p *Pulser) SetOffset(o float64) bool { return p.offset.Set(o) }

// GotoFirstCombo resets pulses in flight, PRI, pulse width and offset to
// their first values and clears the pulse counter. It reports whether that
// first combination is usable.
func (p *Pulser) GotoFirstCombo() bool {
	p.SetPulsesInFlight(p.cfg.PulsesInFlight)
	p.ResetPulses()
	return p.Valid()
}

// GotoNextCombo advances offset, then pulse width, then PRI. It returns
// false when PRI wraps, leaving the pulser back on its first combination.
// Pulses in flight never change here.
func (p *Pulser) GotoNextCombo() bool {
	p.ResetPulses()
	return timing.Advance(&p.offset, &p.pulseWidth, priDial{p})
}

// Increment makes a Pulser a timing.Dial.
func (p *Pulser) Increment() bool { return p.GotoNextCombo() }

// Valid reports whether every current value sits inside a non-empty range.
func (p *Pulser) Valid() bool {
	for _, r := range []timing.Range{p.pri, p.pulseWidth, p.offset} {
		if r.Empty() || !r.Contains(r.Current) {
			return false
		}
	}
	return p.pulseWidth.Current > 0
}

// unbounded reports a swept range whose maximum is infinite.
func (p *Pulser) unbounded() error {
	for _, r := range []struct {
		name string
		r    timing.Range
	}{{"PRI", p.pri}, {"pulse width", p.pulseWidth}, {"offset", p.offset}} {
		if r.r.Swept() && math.IsInf(r.r.Max, 1) {
			return fmt.Errorf("pulser %d: %s has no maximum, configure a PRI maximum: %w", p.id, r.name, ErrUnbounded)
		}
	}
	return nil
}

// priDial steps PRI through SetPri so dependent ranges follow it.
type priDial struct{ p *Pulser }

func (d priDial) Increment() bool {
	r := d.p.pri
	if r.Step <= 0 {
		d.p.SetPri(r.Min)
		return false
	}
	n := math.Round((r.Current-r.Min)/r.Step) + 1
	return d.p.SetPri(r.Min + n*r.Step)
}

// NextPulse returns the window of the next pulse at count*PRI + offset and
// advances the counter.
func (p *Pulser) NextPulse() pulse.Window {
	w := p.bounds().window(p.Snapshot(), p.pulseCount)
	p.pulseCount++
	return w
}

// ResetPulses rewinds the pulse counter.
func (p *Pulser) ResetPulses() { p.pulseCount = 0 }

// DutyFactor is pulse width over PRI at the current values.
func (p *Pulser) DutyFactor() float64 { return p.Snapshot().DutyFactor() }

// Snapshot captures PRI, pulse width and offset.
func (p *Pulser) Snapshot() timing.Setting {
	return timing.Setting{
		Owner:      p.id,
		PRI:        p.pri.Current,
		PulseWidth: p.pulseWidth.Current,
		Offset:     p.offset.Current,
	}
}

// Recall restores values captured by Snapshot.
func (p *Pulser) Recall(s timing.Setting) {
	p.pri.Current = s.PRI
	p.pulseWidth.Current = s.PulseWidth
	p.offset.Current = s.Offset
}

type echoBounds struct {
	rttMin, rttMax, nadirMin, nadirMax float64
}

func (p *Pulser) bounds() echoBounds {
	return echoBounds{p.rttMin, p.rttMax, p.nadirMin, p.nadirMax}
}

func (b echoBounds) window(s timing.Setting, k int) pulse.Window {
	tx := float64(k)*s.PRI + s.Offset
	return pulse.NewNadirWindow(s.Owner, tx, s.PulseWidth, b.rttMin, b.rttMax, b.nadirMin, b.nadirMax)
}
