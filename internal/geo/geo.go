package geo

import (
	"math"
	"sync"

	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/wroge/wgs84"
)

// Projection happens in EPSG:3857 meters first, then gets scaled into the
// 256px tile pyramid of the map surface.

const (
	// TileSize is the side of one map tile in pixels.
	TileSize = 256
	// EarthRadius is the WGS84 semi-major axis used by Web Mercator, in meters.
	EarthRadius = 6378137.0
	// MetersPerDegreeLat approximates one degree of latitude in meters.
	MetersPerDegreeLat = 111320.0
	// meanEarthRadius is used for great-circle distance.
	meanEarthRadius = 6371008.8
)

var mercatorHalfWorld = math.Pi * EarthRadius

var toMercator = sync.OnceValue(func() func(a, b, c float64) (float64, float64, float64) {
	return wgs84.EPSG().Transform(4326, 3857)
})

// Pixel is a position in the projected pixel space at some zoom.
type Pixel struct {
	X, Y float64
}

// Finite reports whether both components are usable for bucketing.
func (p Pixel) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// WorldSize is the side of the whole world in pixels at zoom.
func WorldSize(zoom float64) float64 {
	return TileSize * math.Exp2(zoom)
}

// Mercator converts a WGS84 position into EPSG:3857 meters.
func Mercator(p core.LatLng) (x, y float64) {
	x, y, _ = toMercator()(p.Lng, p.Lat, 0)
	return x, y
}

// Project maps a position into pixel space at zoom with the origin at the
// north-west corner of the world. Positions at the poles come back non-finite.
func Project(p core.LatLng, zoom float64) Pixel {
	if math.Abs(p.Lat) >= 90 {
		return Pixel{X: math.NaN(), Y: math.NaN()}
	}
	x, y := Mercator(p)
	world := WorldSize(zoom)
	return Pixel{
		X: (x + mercatorHalfWorld) / (2 * mercatorHalfWorld) * world,
		Y: (mercatorHalfWorld - y) / (2 * mercatorHalfWorld) * world,
	}
}

// Cell returns the grid cell holding px for cells of side size.
func Cell(px Pixel, size float64) (col, row int64) {
	return int64(math.Floor(px.X / size)), int64(math.Floor(px.Y / size))
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b core.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * meanEarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Offset moves origin by north/east meters using the flat-earth
// approximation, good enough for tens of meters.
func Offset(origin core.LatLng, north, east float64) core.LatLng {
	return core.LatLng{
		Lat: origin.Lat + north/MetersPerDegreeLat,
		Lng: origin.Lng + east/(MetersPerDegreeLat*math.Cos(origin.Lat*math.Pi/180)),
	}
}
