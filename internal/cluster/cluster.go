// Package cluster groups visible markers into grid clusters for one zoom level.
package cluster

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rentmap/mapcluster/internal/geo"
	"github.com/rentmap/mapcluster/pkg/core"
)

type cellKey struct {
	col, row int64
}

type cell struct {
	key     cellKey
	members []core.Marker
}

// Cluster partitions markers into clusters at zoom. Every marker ends up in
// exactly one cluster. The grid is anchored at the world origin, so bounds is
// only informational and never moves a marker between cells.
//
// Output is ordered by cell row, then column, then marker ID. Markers that do
// not project to a finite pixel come last as singletons, ordered by ID.
func Cluster(markers []core.Marker, zoom float64, bounds *core.Bounds, opts core.ClusterOptions) []core.Cluster {
	_ = bounds
	opts = opts.WithDefaults()

	minSize := opts.MinimumClusterSize
	if zoom >= opts.MaxZoom {
		minSize = math.MaxInt
	}

	cells := make(map[cellKey]*cell)
	var stray []core.Marker
	for _, m := range markers {
		px := geo.Project(m.Position, zoom)
		if !px.Finite() {
			stray = append(stray, m)
			continue
		}
		col, row := geo.Cell(px, opts.GridSize)
		k := cellKey{col: col, row: row}
		c, ok := cells[k]
		if !ok {
			c = &cell{key: k}
			cells[k] = c
		}
		c.members = append(c.members, m)
	}

	ordered := make([]*cell, 0, len(cells))
	for _, c := range cells {
		sortByID(c.members)
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].key, ordered[j].key
		if a.row != b.row {
			return a.row < b.row
		}
		return a.col < b.col
	})

	out := make([]core.Cluster, 0, len(markers))
	for _, c := range ordered {
		if len(c.members) >= minSize {
			out = append(out, newCluster(ClusterID(zoom, c.key.col, c.key.row), c.members))
			continue
		}
		for _, m := range c.members {
			out = append(out, Singleton(m))
		}
	}

	sortByID(stray)
	for _, m := range stray {
		out = append(out, Singleton(m))
	}
	return out
}

// ClusterID names the multi-marker cluster in cell (col, row) at zoom.
func ClusterID(zoom float64, col, row int64) string {
	return fmt.Sprintf("c/%s/%d/%d", strconv.FormatFloat(zoom, 'f', -1, 64), col, row)
}

// SingletonID names the singleton cluster of a marker.
func SingletonID(markerID string) string {
	return "m/" + markerID
}

// Singleton wraps one marker as a cluster of one.
func Singleton(m core.Marker) core.Cluster {
	return core.Cluster{
		ID:      SingletonID(m.ID),
		Center:  m.Position,
		Count:   1,
		Members: []core.Marker{m},
		Bounds:  core.BoundsAround(m.Position),
	}
}

// newCluster builds a cluster centered on the arithmetic mean of members.
// Members all projected to a finite pixel, so their envelope always exists.
func newCluster(id string, members []core.Marker) core.Cluster {
	positions := make([]core.LatLng, len(members))
	var sumLat, sumLng float64
	for i, m := range members {
		positions[i] = m.Position
		sumLat += m.Position.Lat
		sumLng += m.Position.Lng
	}
	n := float64(len(members))
	center := core.LatLng{Lat: sumLat / n, Lng: sumLng / n}

	bounds := core.BoundsAround(center)
	if env, err := geo.Envelope(positions); err == nil {
		bounds, _ = geo.BoundsOf(env)
	}
	return core.Cluster{
		ID:      id,
		Center:  center,
		Count:   len(members),
		Members: members,
		Bounds:  bounds,
	}
}

func sortByID(markers []core.Marker) {
	sort.SliceStable(markers, func(i, j int) bool {
		return markers[i].ID < markers[j].ID
	})
}
