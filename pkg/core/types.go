package core

import "math"

// LatLng is a WGS84 position in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the position is finite and within |lat|<=90, |lng|<=180.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return math.Abs(p.Lat) <= 90 && math.Abs(p.Lng) <= 180
}

// Bounds is a geographic rectangle. West > East is not handled (anti-meridian).
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// BoundsAround returns a zero-area box at p.
func BoundsAround(p LatLng) Bounds {
	return Bounds{North: p.Lat, South: p.Lat, East: p.Lng, West: p.Lng}
}

// Contains reports whether p lies inside the bounds, edges included.
func (b Bounds) Contains(p LatLng) bool {
	return p.Lat <= b.North && p.Lat >= b.South && p.Lng <= b.East && p.Lng >= b.West
}

// Expand returns a copy grown on every edge by ratio of the matching span.
func (b Bounds) Expand(ratio float64) Bounds {
	latPad := (b.North - b.South) * ratio
	lngPad := (b.East - b.West) * ratio
	return Bounds{
		North: b.North + latPad,
		South: b.South - latPad,
		East:  b.East + lngPad,
		West:  b.West - lngPad,
	}
}

// Center returns the midpoint of the bounds.
func (b Bounds) Center() LatLng {
	return LatLng{Lat: (b.North + b.South) / 2, Lng: (b.East + b.West) / 2}
}

// Viewport is what the map surface currently shows.
type Viewport struct {
	Bounds *Bounds `json:"bounds,omitempty"` // nil until the surface reports its first viewport
	Zoom   float64 `json:"zoom"`
	Center LatLng  `json:"center"`
}
