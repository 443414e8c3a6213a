package core

import "time"

// Defaults for ClusterOptions and PerformanceThresholds.
const (
	DefaultGridSize           = 60
	DefaultMaxZoom            = 15
	DefaultMinimumClusterSize = 2
	DefaultMaxVisibleMarkers  = 500
	DefaultDebounceDelay      = 150 * time.Millisecond
)

// ClusterOptions controls grid clustering.
type ClusterOptions struct {
	GridSize           float64 `json:"gridSize" mapstructure:"gridSize"`                     // cell side in projected pixels
	MaxZoom            float64 `json:"maxZoom" mapstructure:"maxZoom"`                       // clustering is disabled at and above this zoom
	MinimumClusterSize int     `json:"minimumClusterSize" mapstructure:"minimumClusterSize"` // members needed for a multi-marker cluster
}

// WithDefaults returns a copy with zero or invalid fields replaced by defaults.
// MaxZoom <= 0 means unset and becomes DefaultMaxZoom; clustering can not be
// switched off this way, a MaxZoom at or below the lowest zoom does that.
func (o ClusterOptions) WithDefaults() ClusterOptions {
	if o.GridSize <= 0 {
		o.GridSize = DefaultGridSize
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = DefaultMaxZoom
	}
	if o.MinimumClusterSize < 2 {
		o.MinimumClusterSize = DefaultMinimumClusterSize
	}
	return o
}

// PerformanceThresholds bound the worst-case cost of a recompute.
type PerformanceThresholds struct {
	MaxVisibleMarkers int           `json:"maxVisibleMarkers"`
	DebounceDelay     time.Duration `json:"debounceDelay"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (t PerformanceThresholds) WithDefaults() PerformanceThresholds {
	if t.MaxVisibleMarkers <= 0 {
		t.MaxVisibleMarkers = DefaultMaxVisibleMarkers
	}
	if t.DebounceDelay <= 0 {
		t.DebounceDelay = DefaultDebounceDelay
	}
	return t
}

// Cluster is one renderable group of markers. Count == 1 is a singleton and
// renders as a plain marker.
type Cluster struct {
	ID      string   `json:"id"`
	Center  LatLng   `json:"center"`
	Count   int      `json:"count"`
	Members []Marker `json:"members"`
	Bounds  Bounds   `json:"bounds"`
}

// IsSingleton reports whether the cluster holds exactly one marker.
func (c Cluster) IsSingleton() bool {
	return c.Count == 1
}
