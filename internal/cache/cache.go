package cache

import (
	"sync"

	"github.com/rentmap/mapcluster/pkg/core"
)

// ClusterCache holds the clusters of the last rendered frame so clicks can
// be resolved by ID without recomputing. Latency here sits on the click path.
type ClusterCache struct {
	m        sync.RWMutex
	zoom     float64
	clusters map[string]core.Cluster
}

func NewClusterCache() *ClusterCache {
	return &ClusterCache{
		clusters: make(map[string]core.Cluster),
	}
}

// Replace swaps the cached clusters for those of a new frame at zoom.
func (c *ClusterCache) Replace(zoom float64, clusters []core.Cluster) {
	next := make(map[string]core.Cluster, len(clusters))
	for _, cl := range clusters {
		next[cl.ID] = cl
	}

	c.m.Lock()
	defer c.m.Unlock()
	c.zoom = zoom
	c.clusters = next
}

func (c *ClusterCache) Get(id string) (core.Cluster, bool) {
	c.m.RLock()
	defer c.m.RUnlock()
	cl, ok := c.clusters[id]
	return cl, ok
}

// Zoom returns the zoom the cached clusters were computed at.
func (c *ClusterCache) Zoom() float64 {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.zoom
}

func (c *ClusterCache) Len() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return len(c.clusters)
}

func (c *ClusterCache) Reset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.zoom = 0
	c.clusters = make(map[string]core.Cluster)
}

// SafeCounter is a thread-safe counter
type SafeCounter struct {
	mu sync.Mutex
	v  int
}

func (c *SafeCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *SafeCounter) Set(v int) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

func (c *SafeCounter) Inc() {
	c.mu.Lock()
	c.v++
	c.mu.Unlock()
}

// Dec decrements the counter, never below zero.
func (c *SafeCounter) Dec() {
	c.mu.Lock()
	if c.v > 0 {
		c.v--
	}
	c.mu.Unlock()
}
