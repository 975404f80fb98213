// Package orbit turns a Two-Line Element set into the spacecraft altitude
// the timing search needs. TLE text is parsed with akhenakh/sgp4 and
// propagated with go-satellite.
package orbit

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akhenakh/sgp4"
	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/large-farva/pulse-engine/internal/geometry"
)

// ErrNotFound is returned when the requested NORAD id is not in the input.
var ErrNotFound = errors.New("orbit: satellite not found in TLE input")

// Elements is one parsed and initialised TLE.
type Elements struct {
	Name    string
	NoradID int
	Epoch   time.Time

	sat satellite.Satellite
}

// State is the propagated position at one instant.
type State struct {
	Time      time.Time `json:"time"`
	RadiusKm  float64   `json:"radius_km"`
	Altitude  float64   `json:"altitude_m"` // |r| - EarthRadius, the spherical model used by geometry
	Latitude  float64   `json:"latitude_deg"`
	Longitude float64   `json:"longitude_deg"`
}

// LoadTLE reads a 3-line TLE file and returns the entry for noradID, or the
// first entry when noradID is 0.
func LoadTLE(path string, noradID int) (*Elements, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read TLE: %w", err)
	}
	return Parse(string(b), noradID)
}

// Parse extracts one entry from bulk 3-line TLE text (name, line 1, line 2)
// as served by CelesTrak.
func Parse(raw string, noradID int) (*Elements, error) {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	var firstErr error
	for i := 0; i+2 < len(lines); {
		if !strings.HasPrefix(lines[i+1], "1 ") || !strings.HasPrefix(lines[i+2], "2 ") {
			i++
			continue
		}
		name, line1, line2 := lines[i], lines[i+1], lines[i+2]
		i += 3

		tle, err := sgp4.ParseTLE(name + "\n" + line1 + "\n" + line2)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if noradID != 0 && tle.SatelliteNumber != noradID {
			continue
		}
		return newElements(tle.Name, tle.SatelliteNumber, line1, line2)
	}

	if firstErr != nil {
		return nil, fmt.Errorf("%w (NORAD %d): first parse error: %v", ErrNotFound, noradID, firstErr)
	}
	return nil, fmt.Errorf("%w (NORAD %d) in %d lines of input", ErrNotFound, noradID, len(lines))
}

func newElements(name string, id int, line1, line2 string) (*Elements, error) {
	if err := validateLines(line1, line2); err != nil {
		return nil, fmt.Errorf("invalid TLE for NORAD %d: %w", id, err)
	}
	epoch, err := parseEpoch(line1)
	if err != nil {
		return nil, fmt.Errorf("TLE epoch for NORAD %d: %w", id, err)
	}

	// go-satellite calls log.Fatal on malformed lines, hence the checks above.
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed for NORAD %d: code=%d %s", id, sat.Error, sat.ErrorStr)
	}
	return &Elements{Name: strings.TrimSpace(name), NoradID: id, Epoch: epoch, sat: sat}, nil
}

func validateLines(line1, line2 string) error {
	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' || line2[0] != '2' {
		return errors.New("lines must start with '1' and '2'")
	}
	return nil
}

// parseEpoch reads the YYDDD.DDDDDDDD epoch field of line 1.
func parseEpoch(line1 string) (time.Time, error) {
	field := strings.TrimSpace(line1[18:32])
	if len(field) < 3 {
		return time.Time{}, fmt.Errorf("epoch field %q", field)
	}
	yy, err := strconv.Atoi(field[:2])
	if err != nil {
		return time.Time{}, err
	}
	day, err := strconv.ParseFloat(field[2:], 64)
	if err != nil {
		return time.Time{}, err
	}
	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration((day - 1) * float64(24*time.Hour))), nil
}

// Propagate returns the state at t. The zero time means the TLE epoch.
// go-satellite works in whole seconds.
func (e *Elements) Propagate(t time.Time) (State, error) {
	if t.IsZero() {
		t = e.Epoch
	}
	t = t.UTC().Round(time.Second)
	y, mo, d := t.Date()
	h, mi, s := t.Clock()

	pos, _ := satellite.Propagate(e.sat, y, int(mo), d, h, mi, s)
	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z) ||
		math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) || math.IsInf(pos.Z, 0) {
		return State{}, fmt.Errorf("sgp4 propagation failed for NORAD %d at %s: output is NaN/Inf", e.NoradID, t.Format(time.RFC3339))
	}
	r := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z)
	if r < 6200 || r > 50000 {
		return State{}, fmt.Errorf("sgp4 propagation failed for NORAD %d: unreasonable position magnitude %.1f km", e.NoradID, r)
	}

	gmst := satellite.GSTimeFromDate(y, int(mo), d, h, mi, s)
	_, _, ll := satellite.ECIToLLA(pos, gmst)
	deg := satellite.LatLongDeg(ll)

	return State{
		Time:      t,
		RadiusKm:  r,
		Altitude:  r*1e3 - geometry.EarthRadius,
		Latitude:  deg.Latitude,
		Longitude: deg.Longitude,
	}, nil
}

// Altitude is Propagate(t).Altitude in metres.
func (e *Elements) Altitude(t time.Time) (float64, error) {
	s, err := e.Propagate(t)
	if err != nil {
		return 0, err
	}
	return s.Altitude, nil
}
