package pulse

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// DisplayUnits scales the time axis of exported plots. It never affects
// scheduling.
type DisplayUnits string

const (
	Seconds      DisplayUnits = "s"
	Milliseconds DisplayUnits = "ms"
	Microseconds DisplayUnits = "us"
)

// ParseUnits accepts s, ms, us (or µs). Empty means seconds.
func ParseUnits(s string) (DisplayUnits, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "s", "sec":
		return Seconds, nil
	case "ms":
		return Milliseconds, nil
	case "us", "µs":
		return Microseconds, nil
	default:
		return "", fmt.Errorf("unknown display units %q", s)
	}
}

// Decimals is the number of fractional digits that keeps nanosecond
// resolution in u.
func (u DisplayUnits) Decimals() int {
	switch u {
	case Milliseconds:
		return 6
	case Microseconds:
		return 3
	default:
		return 9
	}
}

// Scale is the factor that converts seconds into u.
func (u DisplayUnits) Scale() float64 {
	switch u {
	case Milliseconds:
		return 1e3
	case Microseconds:
		return 1e6
	default:
		return 1
	}
}

// Curve amplitudes. Distinct heights keep overlapping curves readable.
const (
	TransmitAmplitude = 1.0
	EchoAmplitude     = 0.8
	NadirAmplitude    = 0.6
)

// WritePlot writes windows as an xmgr/Grace multi-curve text file: for each
// owner a rectangular transmit curve, a trapezoidal echo curve and, when
// present, a trapezoidal nadir curve. Each curve is a run of "time amplitude"
// vertex lines terminated by "&".
func WritePlot(w io.Writer, windows []Window, units DisplayUnits) error {
	bw := bufio.NewWriter(w)
	scale := units.Scale()
	vertex := func(w io.Writer, t, a float64) {
		fmt.Fprintf(w, "%.*f %.2f\n", units.Decimals(), t, a)
	}

	byOwner := map[int][]Window{}
	var owners []int
	for _, win := range windows {
		if _, ok := byOwner[win.Owner]; !ok {
			owners = append(owners, win.Owner)
		}
		byOwner[win.Owner] = append(byOwner[win.Owner], win)
	}
	sort.Ints(owners)

	fmt.Fprintf(bw, "# pulse timing, time axis in %s\n", unitLabel(units))
	for _, o := range owners {
		ws := byOwner[o]
		sort.Slice(ws, func(i, j int) bool { return ws[i].StartTransmit < ws[j].StartTransmit })

		fmt.Fprintf(bw, "# owner %d transmit\n", o)
		for _, p := range ws {
			vertex(bw, p.StartTransmit*scale, 0)
			vertex(bw, p.StartTransmit*scale, TransmitAmplitude)
			vertex(bw, p.EndTransmit*scale, TransmitAmplitude)
			vertex(bw, p.EndTransmit*scale, 0)
		}
		fmt.Fprintln(bw, "&")

		fmt.Fprintf(bw, "# owner %d echo\n", o)
		for _, p := range ws {
			vertex(bw, p.StartEcho*scale, 0)
			vertex(bw, p.StartPeakEcho*scale, EchoAmplitude)
			vertex(bw, p.EndPeakEcho*scale, EchoAmplitude)
			vertex(bw, p.EndEcho*scale, 0)
		}
		fmt.Fprintln(bw, "&")

		if !ws[0].HasNadir {
			continue
		}
		fmt.Fprintf(bw, "# owner %d nadir\n", o)
		for _, p := range ws {
			pw := p.PulseWidth()
			rise := p.StartNadir + pw
			fall := p.EndNadir - pw
			if rise > fall {
				rise, fall = fall, rise
			}
			vertex(bw, p.StartNadir*scale, 0)
			vertex(bw, rise*scale, NadirAmplitude)
			vertex(bw, fall*scale, NadirAmplitude)
			vertex(bw, p.EndNadir*scale, 0)
		}
		fmt.Fprintln(bw, "&")
	}
	return bw.Flush()
}

func unitLabel(u DisplayUnits) string {
	if u == "" {
		return string(Seconds)
	}
	return string(u)
}
