// Package geometry holds the spherical-Earth helpers the timing search uses to
// turn a look angle into echo arrival times. Everything is in SI units:
// metres, seconds, radians.
package geometry

import "math"

const (
	// EarthRadius is the mean Earth radius in metres.
	EarthRadius = 6371.0e3

	// SpeedOfLight in metres per second.
	SpeedOfLight = 299792458.0
)

// SlantRange returns the distance from a spacecraft at geocentric height
// gcHeight (EarthRadius + altitude) to the surface along a ray lookAngle
// radians off nadir. Past the horizon the chord does not exist and the
// result is NaN.
func SlantRange(gcHeight, lookAngle float64) float64 {
	s := math.Sin(lookAngle)
	c := math.Cos(lookAngle)
	disc := EarthRadius*EarthRadius - gcHeight*gcHeight*s*s
	return gcHeight*c - math.Sqrt(disc)
}

// RoundTripTime converts a one-way range into two-way light time.
func RoundTripTime(slantRange float64) float64 {
	return 2 * slantRange / SpeedOfLight
}

// HorizonAngle is the largest look angle that still intersects the surface.
func HorizonAngle(gcHeight float64) float64 {
	if gcHeight <= EarthRadius {
		return math.Pi / 2
	}
	return math.Asin(EarthRadius / gcHeight)
}

// EchoBounds returns the round-trip times to the near and far edges of a
// footprint spanning look angles [lo, hi] from altitude (metres). Negative
// near-edge angles are folded back to nadir.
func EchoBounds(altitude, lo, hi float64) (rttMin, rttMax float64) {
	gc := EarthRadius + altitude
	if lo < 0 {
		lo = 0
	}
	rttMin = RoundTripTime(SlantRange(gc, lo))
	rttMax = RoundTripTime(SlantRange(gc, hi))
	return rttMin, rttMax
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }
