package geo_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshtopo/internal/geo"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

var (
	nyc = geo.Point{Lat: 40.7128, Lon: -74.0060}
	la  = geo.Point{Lat: 34.0522, Lon: -118.2437}
)

func TestDistanceSamePoint(t *testing.T) {
	assert.Equal(t, 0.0, geo.DistanceKm(nyc, nyc))
}

func TestDistanceSymmetric(t *testing.T) {
	ab := geo.DistanceKm(nyc, la)
	ba := geo.DistanceKm(la, nyc)
	assert.InDelta(t, ab, ba, 1e-9)
}

func TestDistanceNYCToLA(t *testing.T) {
	d := geo.DistanceKm(nyc, la)
	assert.GreaterOrEqual(t, d, 3900.0)
	assert.LessOrEqual(t, d, 4000.0)
}

func TestDistanceAntipodal(t *testing.T) {
	d := geo.DistanceKm(geo.Point{Lat: 0, Lon: 0}, geo.Point{Lat: 0, Lon: 180})
	assert.False(t, math.IsNaN(d))
	assert.InDelta(t, math.Pi*6371.0, d, 1)
}

func TestBetweenUnknown(t *testing.T) {
	known := &mesh.Position{Latitude: 55.75, Longitude: 37.61}
	assert.Nil(t, geo.Between(known, nil))
	assert.Nil(t, geo.Between(known, &mesh.Position{}))

	other := &mesh.Position{Latitude: 59.93, Longitude: 30.33}
	d := geo.Between(known, other)
	require.NotNil(t, d)
	assert.InDelta(t, 634, *d, 5)
}
