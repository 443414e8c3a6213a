// Package rank caps the visible marker set, keeping the most relevant ones.
package rank

import (
	"math"
	"sort"

	"github.com/rentmap/mapcluster/internal/geo"
	"github.com/rentmap/mapcluster/pkg/core"
)

const (
	DefaultCellSize      = 64
	DefaultDensityWeight = 0.25
)

// Ranker orders markers by distance from the view center, discounted for
// markers that sit in dense neighbourhoods at the current zoom.
type Ranker struct {
	CellSize      float64 // density cell side in projected pixels
	DensityWeight float64 // 0 disables density weighting
}

// Default returns a Ranker with DefaultCellSize and DefaultDensityWeight.
func Default() Ranker {
	return Ranker{CellSize: DefaultCellSize, DensityWeight: DefaultDensityWeight}
}

// Prioritize ranks with the default Ranker.
func Prioritize(markers []core.Marker, center core.LatLng, zoom float64, maxVisible int) []core.Marker {
	return Default().Prioritize(markers, center, zoom, maxVisible)
}

type scored struct {
	marker core.Marker
	score  float64
}

// Prioritize returns at most maxVisible markers, best first. Ties break on
// marker ID so identical calls return identical slices. markers is not reordered.
func (r Ranker) Prioritize(markers []core.Marker, center core.LatLng, zoom float64, maxVisible int) []core.Marker {
	if maxVisible <= 0 || len(markers) == 0 {
		return []core.Marker{}
	}

	density := r.density(markers, zoom)

	items := make([]scored, len(markers))
	for i, m := range markers {
		d := geo.Haversine(center, m.Position)
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		if density != nil {
			if n := density[i]; n > 1 {
				d /= 1 + r.DensityWeight*math.Log(float64(n))
			}
		}
		items[i] = scored{marker: m, score: d}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score < items[j].score
		}
		return items[i].marker.ID < items[j].marker.ID
	})

	n := min(maxVisible, len(items))
	out := make([]core.Marker, n)
	for i := range n {
		out[i] = items[i].marker
	}
	return out
}

// density returns, per input index, how many markers share its cell.
func (r Ranker) density(markers []core.Marker, zoom float64) []int {
	if r.DensityWeight <= 0 {
		return nil
	}
	size := r.CellSize
	if size <= 0 {
		size = DefaultCellSize
	}

	type key struct{ col, row int64 }
	keys := make([]key, len(markers))
	valid := make([]bool, len(markers))
	counts := make(map[key]int, len(markers))
	for i, m := range markers {
		px := geo.Project(m.Position, zoom)
		if !px.Finite() {
			continue
		}
		col, row := geo.Cell(px, size)
		keys[i] = key{col, row}
		valid[i] = true
		counts[keys[i]]++
	}

	out := make([]int, len(markers))
	for i := range markers {
		if valid[i] {
			out[i] = counts[keys[i]]
		}
	}
	return out
}
