package geo

import (
	"errors"
	"fmt"

	"github.com/rentmap/mapcluster/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// ErrNoPositions is returned by Envelope for an empty position list.
var ErrNoPositions = errors.New("no positions")

// Shapes use GeoJSON axis order: X is longitude, Y is latitude.

func xy(p core.LatLng) geom.XY {
	return geom.XY{X: p.Lng, Y: p.Lat}
}

// Point builds a 2D point geometry for p.
func Point(p core.LatLng) (geom.Point, error) {
	pt, err := geom.NewPoint(geom.Coordinates{XY: xy(p), Type: geom.DimXY})
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXY), fmt.Errorf("point %v: %w", p, err)
	}
	return pt, nil
}

// Line builds a two-point line string from a to b.
func Line(a, b core.LatLng) (geom.LineString, error) {
	seq := geom.NewSequence([]float64{a.Lng, a.Lat, b.Lng, b.Lat}, geom.DimXY)
	ls, err := geom.NewLineString(seq)
	if err != nil {
		return geom.LineString{}, fmt.Errorf("line %v-%v: %w", a, b, err)
	}
	return ls, nil
}

// Envelope returns the smallest axis-aligned box holding every position.
func Envelope(ps []core.LatLng) (geom.Envelope, error) {
	if len(ps) == 0 {
		return geom.Envelope{}, ErrNoPositions
	}
	xys := make([]geom.XY, len(ps))
	for i, p := range ps {
		xys[i] = xy(p)
	}
	env, err := geom.NewEnvelope(xys)
	if err != nil {
		return geom.Envelope{}, fmt.Errorf("envelope of %d positions: %w", len(ps), err)
	}
	return env, nil
}

// BoundsOf converts a non-empty envelope to map bounds.
func BoundsOf(env geom.Envelope) (core.Bounds, bool) {
	lo, hi, ok := env.MinMaxXYs()
	if !ok {
		return core.Bounds{}, false
	}
	return core.Bounds{North: hi.Y, South: lo.Y, East: hi.X, West: lo.X}, true
}

// Area returns b as a geometry: a polygon, or a line or point when b has
// no width or height.
func Area(b core.Bounds) (geom.Geometry, error) {
	env, err := Envelope([]core.LatLng{
		{Lat: b.South, Lng: b.West},
		{Lat: b.North, Lng: b.East},
	})
	if err != nil {
		return geom.Geometry{}, err
	}
	return env.AsGeometry(), nil
}
