// Package geo computes great-circle distances between node positions.
package geo

import (
	"math"

	"github.com/aminovpavel/meshtopo/internal/mesh"
)

const earthRadiusKm = 6371.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// DistanceKm returns the haversine distance between a and b in kilometres.
func DistanceKm(a, b Point) float64 {
	radLat1 := a.Lat * math.Pi / 180
	radLat2 := b.Lat * math.Pi / 180
	deltaLat := (b.Lat - a.Lat) * math.Pi / 180
	deltaLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(radLat1)*math.Cos(radLat2)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Between returns the distance between two optional fixes, or nil when either
// is missing or has no real coordinates.
func Between(a, b *mesh.Position) *float64 {
	if a == nil || b == nil || !a.Known() || !b.Known() {
		return nil
	}
	d := DistanceKm(Point{Lat: a.Latitude, Lon: a.Longitude}, Point{Lat: b.Latitude, Lon: b.Longitude})
	return &d
}
