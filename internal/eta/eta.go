package eta

import "math"

// DefaultSpeedKmh is the assumed average rider speed in city traffic.
const DefaultSpeedKmh = 20.0

// Minutes converts a distance to a whole-minute ETA at speedKmh, rounding to
// the nearest minute. A non-positive speed falls back to DefaultSpeedKmh.
func Minutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	if distanceKm <= 0 {
		return 0
	}
	return int(math.Round(distanceKm / speedKmh * 60))
}
