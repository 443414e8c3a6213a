// Package spider fans out the members of a cluster that cannot be split by
// zooming any further.
package spider

import (
	"fmt"
	"math"
	"sync"

	"github.com/rentmap/mapcluster/internal/geo"
	"github.com/rentmap/mapcluster/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// DefaultRadiusMeters is the distance between the cluster center and each leg end.
const DefaultRadiusMeters = 50.0

// Leg is one fanned-out marker.
type Leg struct {
	Marker   core.Marker    `json:"marker"`
	Position core.LatLng    `json:"position"`
	Line     [2]core.LatLng `json:"line"` // center to Position
}

// LineString returns the leg line as a geometry.
func (l Leg) LineString() (geom.LineString, error) {
	return geo.Line(l.Line[0], l.Line[1])
}

// Features renders the legs of the expanded cluster clusterID as GeoJSON
// line features, one per fanned-out marker.
func Features(clusterID string, legs []Leg) (geom.GeoJSONFeatureCollection, error) {
	fc := make(geom.GeoJSONFeatureCollection, len(legs))
	for i, leg := range legs {
		ls, err := leg.LineString()
		if err != nil {
			return nil, fmt.Errorf("leg %s of %s: %w", leg.Marker.ID, clusterID, err)
		}
		fc[i] = geom.GeoJSONFeature{
			Geometry: ls.AsGeometry(),
			ID:       "spider/" + leg.Marker.ID,
			Properties: map[string]interface{}{
				"spider":    clusterID,
				"marker_id": leg.Marker.ID,
				"title":     leg.Marker.Title,
			},
		}
	}
	return fc, nil
}

// Expansion is the currently fanned-out cluster.
type Expansion struct {
	ClusterID string      `json:"clusterId"`
	Center    core.LatLng `json:"center"`
	Zoom      float64     `json:"zoom"`
	Legs      []Leg       `json:"legs"`
}

// Layout places markers on a circle of radius meters around center. The
// first leg points east and the rest follow counter-clockwise at equal angles.
func Layout(center core.LatLng, markers []core.Marker, radius float64) []Leg {
	n := len(markers)
	legs := make([]Leg, n)
	for i, m := range markers {
		theta := 2 * math.Pi * float64(i) / float64(n)
		pos := geo.Offset(center, radius*math.Sin(theta), radius*math.Cos(theta))
		legs[i] = Leg{
			Marker:   m,
			Position: pos,
			Line:     [2]core.LatLng{center, pos},
		}
	}
	return legs
}

// Options configures an Expander.
type Options struct {
	RadiusMeters float64
	MaxZoom      float64
}

// Expander holds at most one expanded cluster.
type Expander struct {
	radius  float64
	maxZoom float64

	mu      sync.Mutex
	current *Expansion
}

// New creates a collapsed Expander.
func New(opts Options) *Expander {
	if opts.RadiusMeters <= 0 {
		opts.RadiusMeters = DefaultRadiusMeters
	}
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = core.DefaultMaxZoom
	}
	return &Expander{radius: opts.RadiusMeters, maxZoom: opts.MaxZoom}
}

// Toggle collapses c if it is the expanded cluster, otherwise expands it in
// place of any other. Singletons and clusters below the max zoom leave the
// state unchanged. It returns the expansion in effect afterwards.
func (e *Expander) Toggle(c core.Cluster, zoom float64) *Expansion {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && e.current.ClusterID == c.ID {
		e.current = nil
		return nil
	}
	if c.Count > 1 && zoom >= e.maxZoom {
		e.current = &Expansion{
			ClusterID: c.ID,
			Center:    c.Center,
			Zoom:      zoom,
			Legs:      Layout(c.Center, c.Members, e.radius),
		}
	}
	return e.current
}

// OnZoomChange collapses when zoom moved away from the expansion zoom and
// reports whether it did.
func (e *Expander) OnZoomChange(zoom float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.Zoom == zoom {
		return false
	}
	e.current = nil
	return true
}

// Current returns the expanded cluster, or nil when collapsed.
func (e *Expander) Current() *Expansion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Expanded reports whether a cluster is fanned out.
func (e *Expander) Expanded() bool {
	return e.Current() != nil
}

// Close collapses any expansion.
func (e *Expander) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = nil
}
