// Package timing holds the parameter ranges swept by the pulse-timing
// search, the odometer that walks their joint combinations, and the pure
// functions that derive dependent bounds (PRI from pulses in flight, pulse
// width and offset from PRI).
package timing

import "math"

// Range is one swept timing parameter. Step == 0 marks the parameter as
// fixed: it never advances and always sits at Min.
type Range struct {
	Current float64 `json:"current"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
}

// Fixed returns a range pinned at v.
func Fixed(v float64) Range {
	return Range{Current: v, Min: v, Max: v}
}

// Swept reports whether the parameter takes more than one value.
func (r Range) Swept() bool { return r.Step > 0 }

// Empty reports whether no value satisfies Min <= v <= Max.
func (r Range) Empty() bool { return r.Min > r.Max+r.tol() }

// Contains reports whether v lies in [Min, Max] up to rounding.
func (r Range) Contains(v float64) bool {
	t := r.tol()
	return v >= r.Min-t && v <= r.Max+t
}

// Set moves Current to v if it lies in the range. Otherwise Current is
// reset to Min and Set returns false.
func (r *Range) Set(v float64) bool {
	if !r.Contains(v) {
		r.Current = r.Min
		return false
	}
	r.Current = v
	return true
}

// Reset moves Current back to Min.
func (r *Range) Reset() { r.Current = r.Min }

// Increment advances Current by one Step. On overflow, or when the range is
// fixed, Current wraps to Min and Increment returns false.
//
// The next value is computed from Min and a step index rather than by
// accumulation so long sweeps do not drift.
func (r *Range) Increment() bool {
	if r.Step <= 0 {
		r.Current = r.Min
		return false
	}
	n := math.Round((r.Current-r.Min)/r.Step) + 1
	return r.Set(r.Min + n*r.Step)
}

// Count is the number of distinct values the range takes.
func (r Range) Count() int {
	if r.Empty() {
		return 0
	}
	if r.Step <= 0 {
		return 1
	}
	return int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
}

func (r Range) tol() float64 {
	return 1e-9 * math.Max(math.Abs(r.Min), math.Abs(r.Max))
}

// Dial is anything the odometer can turn: it advances one position and
// reports false when it wrapped back to its first position.
type Dial interface {
	Increment() bool
}

// Advance turns the dials as a mixed-radix odometer, least significant
// first. The first dial that advances without wrapping absorbs the carry.
// Advance returns false when every dial wrapped, i.e. the combination space
// is exhausted and all dials are back at their first position.
func Advance(dials ...Dial) bool {
	for _, d := range dials {
		if d.Increment() {
			return true
		}
	}
	return false
}
