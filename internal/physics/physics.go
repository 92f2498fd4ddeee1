package physics

import (
	"math"
)

// Constants
const (
	EarthRadiusKm = 6371.0 // Mean Earth radius used for great-circle distances
	KnotsToKmh    = 1.852  // Conversion factor from knots to km/h
)

// HaversineKm returns the great-circle distance between two coordinates in kilometres
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := degToRad(lat2 - lat1)
	dLon := degToRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(degToRad(lat1))*math.Cos(degToRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// KnotsToKilometresPerHour converts a ground speed in knots to km/h
func KnotsToKilometresPerHour(knots float64) float64 {
	return knots * KnotsToKmh
}

// Round1 rounds to one decimal place
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
