// Package scanning implements the multi-beam scanning-antenna model: beams
// interleave pulses on one timeline and the optimizer searches their joint
// PRI and pulse-width space for the highest average duty factor.
package scanning

import (
	"fmt"
	"math"

	"github.com/large-farva/pulse-engine/internal/geometry"
	"github.com/large-farva/pulse-engine/internal/pulse"
	"github.com/large-farva/pulse-engine/internal/timing"
)

// BeamConfig is the static description of one beam. Angles are radians,
// times seconds.
type BeamConfig struct {
	LookAngle      float64
	BeamWidth      float64
	AngleBuffer    float64 // added to each footprint edge by FullBuffer
	TimeBuffer     float64 // subtracted from rttMin and added to rttMax by FullBuffer
	PulsesInFlight int

	// PRI and PulseWidth with Step > 0 are swept. Their Min and Max act as
	// a floor and ceiling on the range derived from the round-trip bounds.
	PRI        timing.Range
	PulseWidth timing.Range
	Offset     float64
}

// Beam is the mutable per-beam search state.
type Beam struct {
	id  int
	cfg BeamConfig

	rttMin, rttMax float64
	pri, pulseWidth timing.Range
	offset          float64
}

// NewBeam returns a beam sitting at its configured values.
func NewBeam(id int, cfg BeamConfig) *Beam {
	if cfg.PulsesInFlight < 1 {
		cfg.PulsesInFlight = 1
	}
	return &Beam{
		id:         id,
		cfg:        cfg,
		pri:        cfg.PRI,
		pulseWidth: cfg.PulseWidth,
		offset:     cfg.Offset,
	}
}

func (b *Beam) ID() int { return b.id }
func (b *Beam) Config() BeamConfig { return b.cfg }
func (b *Beam) PulsesInFlight() int { return b.cfg.PulsesInFlight }
func (b *Beam) PRI() timing.Range { return b.pri }
func (b *Beam) PulseWidth() timing.Range { return b.pulseWidth }
func (b *Beam) RoundTrip() (min, max float64) { return b.rttMin, b.rttMax }

// FullBuffer sets conservative round-trip bounds: the footprint is widened
// by the angle buffer on both edges and the result by the time buffer.
func (b *Beam) FullBuffer(altitude float64) error {
	half := b.cfg.BeamWidth/2 + b.cfg.AngleBuffer
	lo, hi, err := b.echoBounds(altitude, half)
	if err != nil {
		return err
	}
	b.SetRoundTrip(lo-b.cfg.TimeBuffer, hi+b.cfg.TimeBuffer)
	return nil
}

// NoBuffer sets the tightest round-trip bounds of the bare footprint.
func (b *Beam) NoBuffer(altitude float64) error {
	lo, hi, err := b.echoBounds(altitude, b.cfg.BeamWidth/2)
	if err != nil {
		return err
	}
	b.SetRoundTrip(lo, hi)
	return nil
}

func (b *Beam) echoBounds(altitude, half float64) (float64, float64, error) {
	far := b.cfg.LookAngle + half
	if horizon := geometry.HorizonAngle(geometry.EarthRadius + altitude); far >= horizon {
		return 0, 0, fmt.Errorf("beam %d: footprint edge %.3f rad beyond horizon %.3f rad", b.id, far, horizon)
	}
	lo, hi := geometry.EchoBounds(altitude, b.cfg.LookAngle-half, far)
	return lo, hi, nil
}

// SetRoundTrip assigns the echo round-trip bounds directly.
func (b *Beam) SetRoundTrip(min, max float64) {
	b.rttMin, b.rttMax = min, max
}

// SetRanges derives the PRI and pulse-width sweep ranges from the current
// round-trip bounds and moves both to their first value. An empty range is
// not an error here: it simply offers no combinations.
func (b *Beam) SetRanges() error {
	lim := timing.Limits{}
	if b.cfg.PRI.Swept() {
		lim.PRIFloor, lim.PRICeil = b.cfg.PRI.Min, b.cfg.PRI.Max
	}
	if b.cfg.PulseWidth.Swept() {
		lim.PulseWidthFloor, lim.PulseWidthCeil = b.cfg.PulseWidth.Min, b.cfg.PulseWidth.Max
	}
	b.pri, b.pulseWidth = timing.DeriveScanRanges(b.rttMin, b.rttMax, b.cfg.PulsesInFlight, b.cfg.PRI, b.cfg.PulseWidth, lim)
	if math.IsInf(b.pri.Max, 1) || math.IsInf(b.pulseWidth.Max, 1) {
		return fmt.Errorf("beam %d: unbounded sweep, configure a PRI maximum", b.id)
	}
	return nil
}

// NextCombo advances PRI, carrying into pulse width. It returns false once
// both have wrapped back to their first values.
func (b *Beam) NextCombo() bool {
	return timing.Advance(&b.pri, &b.pulseWidth)
}

// Increment makes a Beam a timing.Dial so beams chain into one odometer.
func (b *Beam) Increment() bool { return b.NextCombo() }

// Combinations is the size of this beam's own PRI x pulse-width space.
func (b *Beam) Combinations() int {
	return b.pri.Count() * b.pulseWidth.Count()
}

// GeneratePulses emits count pulses at idx*PRI + offset into list. With
// check set every pulse goes through AddIfSafe and the first conflict
// aborts; otherwise pulses are appended as-is.
func (b *Beam) GeneratePulses(count int, list *pulse.List, check bool) error {
	return generate(list, b.Snapshot(), b.rttMin, b.rttMax, count, check)
}

// DutyFactor is pulse width over PRI at the current values.
func (b *Beam) DutyFactor() float64 { return b.Snapshot().DutyFactor() }

// Snapshot captures the current timing values.
func (b *Beam) Snapshot() timing.Setting {
	return timing.Setting{
		Owner:      b.id,
		PRI:        b.pri.Current,
		PulseWidth: b.pulseWidth.Current,
		Offset:     b.offset,
	}
}

// Recall restores values captured by Snapshot.
func (b *Beam) Recall(s timing.Setting) {
	b.pri.Current = s.PRI
	b.pulseWidth.Current = s.PulseWidth
	b.offset = s.Offset
}

func generate(list *pulse.List, s timing.Setting, rttMin, rttMax float64, count int, check bool) error {
	for i := 0; i < count; i++ {
		w := pulse.NewWindow(s.Owner, float64(i)*s.PRI+s.Offset, s.PulseWidth, rttMin, rttMax)
		if !check {
			list.Add(w)
			continue
		}
		if err := list.AddIfSafe(w); err != nil {
			return fmt.Errorf("beam %d pulse %d: %w", s.Owner, i, err)
		}
	}
	return nil
}
