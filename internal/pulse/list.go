package pulse

import (
	"errors"
	"fmt"
	"strings"
)

// Policy selects which interval pairs AddIfSafe treats as conflicts.
type Policy int

const (
	// PolicyTransmitEcho only rejects a candidate whose transmit interval
	// lands inside an existing echo. This is the check the scanning model
	// has always used.
	PolicyTransmitEcho Policy = iota

	// PolicySymmetric rejects transmit/echo, transmit/transmit, echo/echo
	// and echo/transmit overlaps between candidate and existing windows.
	PolicySymmetric

	// PolicySymmetricNadir adds echo/nadir overlaps in both directions to
	// PolicySymmetric.
	PolicySymmetricNadir
)

// ErrConflict is wrapped by every *Conflict returned from AddIfSafe.
var ErrConflict = errors.New("pulse conflict")

// ErrUnknownPolicy is returned by ParsePolicy.
var ErrUnknownPolicy = errors.New("unknown overlap policy")

func (p Policy) String() string {
	switch p {
	case PolicyTransmitEcho:
		return "transmit_echo"
	case PolicySymmetric:
		return "symmetric"
	case PolicySymmetricNadir:
		return "symmetric_nadir"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transmit_echo", "one_way":
		return PolicyTransmitEcho, nil
	case "symmetric", "four_way":
		return PolicySymmetric, nil
	case "symmetric_nadir":
		return PolicySymmetricNadir, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Conflict describes why a candidate window was refused.
type Conflict struct {
	Kind      string // e.g. "transmit/echo": candidate part / existing part
	Candidate Window
	Existing  Window
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("%s overlap: candidate %s vs existing %s", c.Kind, c.Candidate, c.Existing)
}

func (c *Conflict) Unwrap() error { return ErrConflict }

// List is an ordered set of windows in which, under its policy, no pair
// conflicts. The zero value uses PolicyTransmitEcho.
type List struct {
	policy  Policy
	windows []Window
}

// NewList returns an empty list that checks insertions with policy.
func NewList(policy Policy) *List {
	return &List{policy: policy}
}

// Policy returns the list's overlap policy.
func (l *List) Policy() Policy { return l.policy }

// AddIfSafe appends w unless it conflicts with a window already present.
// On conflict the list is unchanged and a *Conflict is returned.
func (l *List) AddIfSafe(w Window) error {
	for _, p := range l.windows {
		if kind := l.check(w, p); kind != "" {
			return &Conflict{Kind: kind, Candidate: w, Existing: p}
		}
	}
	l.windows = append(l.windows, w)
	return nil
}

// Add appends w without checking.
func (l *List) Add(w Window) {
	l.windows = append(l.windows, w)
}

func (l *List) check(c, p Window) string {
	if overlaps(c.StartTransmit, c.EndTransmit, p.StartEcho, p.EndEcho) {
		return "transmit/echo"
	}
	if l.policy == PolicyTransmitEcho {
		return ""
	}
	if overlaps(c.StartTransmit, c.EndTransmit, p.StartTransmit, p.EndTransmit) {
		return "transmit/transmit"
	}
	if overlaps(c.StartEcho, c.EndEcho, p.StartEcho, p.EndEcho) {
		return "echo/echo"
	}
	if overlaps(c.StartEcho, c.EndEcho, p.StartTransmit, p.EndTransmit) {
		return "echo/transmit"
	}
	if l.policy != PolicySymmetricNadir {
		return ""
	}
	if p.HasNadir && overlaps(c.StartEcho, c.EndEcho, p.StartNadir, p.EndNadir) {
		return "echo/nadir"
	}
	if c.HasNadir && overlaps(c.StartNadir, c.EndNadir, p.StartEcho, p.EndEcho) {
		return "nadir/echo"
	}
	return ""
}

// Reset empties the list, keeping its capacity for the next trial.
func (l *List) Reset() {
	l.windows = l.windows[:0]
}

// Len returns the number of windows held.
func (l *List) Len() int { return len(l.windows) }

// Windows returns a copy of the held windows in insertion order.
func (l *List) Windows() []Window {
	out := make([]Window, len(l.windows))
	copy(out, l.windows)
	return out
}
