// Package pulse models individual transmit/receive windows and the
// conflict-checked list that serves as the feasibility oracle for the
// timing search.
package pulse

import "fmt"

// Window is the timing record for one transmitted pulse: the transmit
// interval plus the echo (and optionally nadir) return it produces. All
// intervals are half-open [start, end). Windows are never modified after
// construction.
type Window struct {
	Owner int `json:"owner"`

	StartTransmit float64 `json:"start_transmit"`
	EndTransmit   float64 `json:"end_transmit"`

	StartEcho     float64 `json:"start_echo"`
	StartPeakEcho float64 `json:"start_peak_echo"`
	EndPeakEcho   float64 `json:"end_peak_echo"`
	EndEcho       float64 `json:"end_echo"`

	HasNadir   bool    `json:"has_nadir,omitempty"`
	StartNadir float64 `json:"start_nadir,omitempty"`
	EndNadir   float64 `json:"end_nadir,omitempty"`
}

// NewWindow builds the window for a pulse transmitted at tx with the given
// width whose echo arrives between rttMin and rttMax after transmit.
//
// The echo ramps up from startEcho, is at full strength on the plateau
// [startPeakEcho, endPeakEcho], and ramps down to endEcho. When the footprint
// is shorter than the pulse the plateau is [rttMax, rttMin+pw].
func NewWindow(owner int, tx, pw, rttMin, rttMax float64) Window {
	lo, hi := rttMin+pw, rttMax
	if lo > hi {
		lo, hi = hi, lo
	}
	return Window{
		Owner:         owner,
		StartTransmit: tx,
		EndTransmit:   tx + pw,
		StartEcho:     tx + rttMin,
		StartPeakEcho: tx + lo,
		EndPeakEcho:   tx + hi,
		EndEcho:       tx + rttMax + pw,
	}
}

// NewNadirWindow is NewWindow plus the nadir return, which spans
// [tx+nadirMin, tx+nadirMax+pw).
func NewNadirWindow(owner int, tx, pw, rttMin, rttMax, nadirMin, nadirMax float64) Window {
	w := NewWindow(owner, tx, pw, rttMin, rttMax)
	w.HasNadir = true
	w.StartNadir = tx + nadirMin
	w.EndNadir = tx + nadirMax + pw
	return w
}

// PulseWidth is the transmit duration.
func (w Window) PulseWidth() float64 { return w.EndTransmit - w.StartTransmit }

func (w Window) String() string {
	return fmt.Sprintf("owner %d tx [%.9g, %.9g) echo [%.9g, %.9g)",
		w.Owner, w.StartTransmit, w.EndTransmit, w.StartEcho, w.EndEcho)
}

// overlaps reports whether [a0, a1) and [b0, b1) share any instant.
func overlaps(a0, a1, b0, b1 float64) bool {
	return a0 < b1 && b0 < a1
}
