package pipeline

import (
	"github.com/rentmap/mapcluster/internal/cluster"
	"github.com/rentmap/mapcluster/internal/pool"
	"github.com/rentmap/mapcluster/internal/spider"
	"github.com/rentmap/mapcluster/pkg/core"
)

// Disposer cancels a subscription. It is called once, on session teardown.
type Disposer func() error

// Surface is the map the session draws on and listens to.
type Surface interface {
	Render(f Frame)
	FitBounds(b core.Bounds, maxZoom float64)
	SetZoom(zoom float64)
	OnViewport(fn func(core.Viewport)) Disposer
	OnClusterClick(fn func(id string)) Disposer
}

// Frame is everything the surface should show after one recompute.
type Frame struct {
	Seq      uint64            `json:"seq"`
	Viewport core.Viewport     `json:"viewport"`
	Clusters []RenderedCluster `json:"clusters"`
	Spider   *SpiderView       `json:"spider,omitempty"`
	Summary  cluster.Summary   `json:"summary"`
}

// RenderedCluster pairs a cluster with the handle drawing it. Glyph is set
// for multi-marker clusters; singletons draw as plain pins.
type RenderedCluster struct {
	Cluster core.Cluster `json:"cluster"`
	Glyph   bool         `json:"glyph"`
	Handle  *pool.Handle `json:"handle"`
}

// SpiderView is the fanned-out cluster, if any.
type SpiderView struct {
	ClusterID string      `json:"clusterId"`
	Center    core.LatLng `json:"center"`
	Legs      []SpiderLeg `json:"legs"`
}

// SpiderLeg is a fanned-out marker with its pin and line handles.
type SpiderLeg struct {
	spider.Leg
	PinHandle  *pool.Handle `json:"pinHandle"`
	LineHandle *pool.Handle `json:"lineHandle"`
}

// Handles counts the pool handles the frame holds.
func (f Frame) Handles() int {
	n := len(f.Clusters)
	if f.Spider != nil {
		n += 2 * len(f.Spider.Legs)
	}
	return n
}
