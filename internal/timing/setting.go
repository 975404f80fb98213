package timing

import (
	"errors"
	"fmt"
)

// ErrInfeasible is returned by the optimizers when no enumerated
// combination produced a conflict-free schedule.
var ErrInfeasible = errors.New("no feasible timing combination")

// Infeasible wraps ErrInfeasible with the conflict that rejected the last
// trial, when there was one.
func Infeasible(last error) error {
	if last == nil {
		return ErrInfeasible
	}
	return fmt.Errorf("%w: %w", ErrInfeasible, last)
}

// Setting is an immutable snapshot of one beam's or pulser's timing values.
type Setting struct {
	Owner      int     `json:"owner"`
	PRI        float64 `json:"pri"`
	PulseWidth float64 `json:"pulse_width"`
	Offset     float64 `json:"offset"`
}

// DutyFactor is PulseWidth/PRI, or zero for a non-positive PRI.
func (s Setting) DutyFactor() float64 {
	if s.PRI <= 0 {
		return 0
	}
	return s.PulseWidth / s.PRI
}

// Stats summarise an optimization run.
type Stats struct {
	Combinations   int    `json:"combinations"`
	FeasibleTrials int    `json:"feasible_trials"`
	LastConflict   string `json:"last_conflict,omitempty"`
}

// Result is what an optimizer returns. Best is only meaningful when
// Feasible is set.
type Result struct {
	Feasible   bool      `json:"feasible"`
	DutyFactor float64   `json:"duty_factor"`
	Best       []Setting `json:"best,omitempty"`
	Stats      Stats     `json:"stats"`
}

// Lookup returns the setting for owner.
func (r Result) Lookup(owner int) (Setting, bool) {
	for _, s := range r.Best {
		if s.Owner == owner {
			return s, true
		}
	}
	return Setting{}, false
}
