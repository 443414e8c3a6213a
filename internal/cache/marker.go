package cache

import (
	"sync"

	"github.com/rentmap/mapcluster/pkg/core"
)

// MarkerIndex maps listing IDs to the markers of the current data set
type MarkerIndex struct {
	mu      sync.RWMutex
	markers map[string]core.Marker
}

// NewMarkerIndex creates a new MarkerIndex
func NewMarkerIndex() *MarkerIndex {
	return &MarkerIndex{
		markers: make(map[string]core.Marker),
	}
}

// Get retrieves a marker by ID
func (c *MarkerIndex) Get(id string) (core.Marker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markers[id]
	return m, ok
}

// Set stores a marker under its ID
func (c *MarkerIndex) Set(m core.Marker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers[m.ID] = m
}

// Load replaces the index with markers. Later duplicates win.
func (c *MarkerIndex) Load(markers []core.Marker) {
	next := make(map[string]core.Marker, len(markers))
	for _, m := range markers {
		next[m.ID] = m
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = next
}

// Delete removes a marker by ID
func (c *MarkerIndex) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, id)
}

// Len returns the number of indexed markers
func (c *MarkerIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markers)
}

// Reset clears all markers from the index
func (c *MarkerIndex) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = make(map[string]core.Marker)
}
