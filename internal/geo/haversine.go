// Package geo provides great-circle distance on a spherical Earth.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for all distances
const EarthRadiusKm = 6371.0

// Point is a latitude/longitude pair in degrees
type Point struct {
	Lat float64
	Lon float64
}

// DistanceKm returns the haversine distance between a and b in kilometres
func DistanceKm(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	// Rounding can push h just past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
