package timing

import "math"

// Limits are externally configured clamps on the derived bounds. A zero
// ceiling means "no ceiling".
type Limits struct {
	PRIFloor        float64 `json:"pri_floor,omitempty"`
	PRICeil         float64 `json:"pri_ceil,omitempty"`
	PulseWidthFloor float64 `json:"pulse_width_floor,omitempty"`
	PulseWidthCeil  float64 `json:"pulse_width_ceil,omitempty"`
	OffsetFloor     float64 `json:"offset_floor,omitempty"`
	OffsetCeil      float64 `json:"offset_ceil,omitempty"`
}

// State is the input to DeriveBounds.
type State struct {
	RTTMin   float64
	RTTMax   float64
	InFlight int
	PRI      float64
	Limits   Limits
}

// Bounds are the dependent limits implied by a State.
type Bounds struct {
	PRIMin        float64
	PRIMax        float64
	PulseWidthMin float64
	PulseWidthMax float64
	OffsetMin     float64
	OffsetMax     float64
}

// PRIBounds returns the PRI interval that keeps exactly inFlight pulses
// airborne: at least rttMax/n so the last echo is home before the n-th
// following transmit, at most rttMin/(n-1) so n-1 pulses leave before the
// first echo arrives. Configured limits clamp both ends. With one pulse in
// flight the upper end is the configured ceiling alone.
func PRIBounds(rttMin, rttMax float64, inFlight int, lim Limits) (lo, hi float64) {
	n := float64(inFlight)
	lo = math.Max(rttMax/n, lim.PRIFloor)
	hi = math.Inf(1)
	if inFlight > 1 {
		hi = rttMin / (n - 1)
	}
	hi = math.Min(hi, ceil(lim.PRICeil))
	return lo, hi
}

// DeriveBounds computes every dependent bound of the fixed-look model from
// its governing values. It has no side effects.
func DeriveBounds(s State) Bounds {
	lo, hi := PRIBounds(s.RTTMin, s.RTTMax, s.InFlight, s.Limits)
	return Bounds{
		PRIMin:        lo,
		PRIMax:        hi,
		PulseWidthMin: s.Limits.PulseWidthFloor,
		PulseWidthMax: math.Min(s.PRI/2, ceil(s.Limits.PulseWidthCeil)),
		OffsetMin:     s.Limits.OffsetFloor,
		OffsetMax:     math.Min(s.PRI, ceil(s.Limits.OffsetCeil)),
	}
}

// DeriveScanRanges computes the PRI and pulse-width sweep ranges of the
// scanning model. Fixed parameters (Step == 0) come back pinned at their
// current value.
//
// The PRI floor is rttMax/inFlight raised to any configured floor. A
// configured ceiling is taken as the sweep's upper end; without one the
// ceiling is rttMin/(inFlight-1). Pulse width runs from its step (or a
// higher configured floor) to half the PRI ceiling, assuming an echo as wide
// as the transmit.
func DeriveScanRanges(rttMin, rttMax float64, inFlight int, pri, pw Range, lim Limits) (Range, Range) {
	if pri.Swept() {
		lo := math.Max(rttMax/float64(inFlight), lim.PRIFloor)
		hi := lim.PRICeil
		if hi <= 0 {
			hi = math.Inf(1)
			if inFlight > 1 {
				hi = rttMin / float64(inFlight-1)
			}
		}
		pri = Range{Current: lo, Min: lo, Max: hi, Step: pri.Step}
	} else {
		pri = Fixed(pri.Current)
	}

	if pw.Swept() {
		lo := math.Max(pw.Step, lim.PulseWidthFloor)
		hi := math.Min(pri.Max/2, ceil(lim.PulseWidthCeil))
		pw = Range{Current: lo, Min: lo, Max: hi, Step: pw.Step}
	} else {
		pw = Fixed(pw.Current)
	}
	return pri, pw
}

func ceil(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}
