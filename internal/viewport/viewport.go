// Package viewport selects the markers worth considering for the current map view.
package viewport

import "github.com/rentmap/mapcluster/pkg/core"

// DefaultBuffer pads the view so markers just off-screen are ready before a pan reveals them.
const DefaultBuffer = 0.15

// InViewport filters markers against bounds with DefaultBuffer.
func InViewport(markers []core.Marker, bounds *core.Bounds) []core.Marker {
	return Filter(markers, bounds, DefaultBuffer)
}

// Filter returns the markers inside bounds grown by buffer times the span on
// each axis. Markers with unusable coordinates are dropped. A nil bounds means
// the viewport is not known yet and the input is returned as is.
func Filter(markers []core.Marker, bounds *core.Bounds, buffer float64) []core.Marker {
	if bounds == nil {
		return markers
	}
	if buffer < 0 {
		buffer = 0
	}
	padded := bounds.Expand(buffer)

	out := make([]core.Marker, 0, len(markers))
	for _, m := range markers {
		if !m.Position.Valid() {
			continue
		}
		if padded.Contains(m.Position) {
			out = append(out, m)
		}
	}
	return out
}
