package cache

import (
	"sync"
	"testing"

	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterCache_Replace(t *testing.T) {
	c := NewClusterCache()
	c.Replace(10, []core.Cluster{
		{ID: "c/10/1/2", Count: 3},
		{ID: "m/x", Count: 1},
	})

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 10.0, c.Zoom())

	got, ok := c.Get("c/10/1/2")
	require.True(t, ok)
	assert.Equal(t, 3, got.Count)

	c.Replace(11, []core.Cluster{{ID: "m/y", Count: 1}})
	_, ok = c.Get("c/10/1/2")
	assert.False(t, ok, "replace drops clusters of the previous frame")
	assert.Equal(t, 11.0, c.Zoom())
}

func TestClusterCache_Reset(t *testing.T) {
	c := NewClusterCache()
	c.Replace(4, []core.Cluster{{ID: "m/a"}})
	c.Reset()

	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Zoom())
}

func TestSafeCounter(t *testing.T) {
	var c SafeCounter
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, c.Value())

	c.Set(5)
	assert.Equal(t, 5, c.Value())

	c.Dec()
	assert.Equal(t, 4, c.Value())
	c.Set(0)
	c.Dec()
	assert.Equal(t, 0, c.Value())
}
