package geo

import "math"

const earthRadiusKm = 6371.0

// DistanceKm is the haversine great-circle distance between two points in
// signed decimal degrees, rounded to 2 decimal places. Inputs are not
// validated or clamped.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	return Round2(haversineKm(lat1, lng1, lat2, lng2))
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Round2 rounds half away from zero to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
