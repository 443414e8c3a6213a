package cache

import (
	"sync"
	"testing"

	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerIndex_New(t *testing.T) {
	idx := NewMarkerIndex()

	require.NotNil(t, idx)
	assert.NotNil(t, idx.markers)
	assert.Equal(t, 0, idx.Len())
}

func TestMarkerIndex_SetAndGet(t *testing.T) {
	idx := NewMarkerIndex()

	idx.Set(core.Marker{ID: "listing-1", Title: "Loft"})

	m, ok := idx.Get("listing-1")
	require.True(t, ok, "expected to find listing-1")
	assert.Equal(t, "Loft", m.Title)

	_, ok = idx.Get("nonexistent")
	assert.False(t, ok)
}

func TestMarkerIndex_Load(t *testing.T) {
	idx := NewMarkerIndex()
	idx.Set(core.Marker{ID: "stale"})

	idx.Load([]core.Marker{
		{ID: "a", Title: "first"},
		{ID: "b"},
		{ID: "a", Title: "second"},
	})

	assert.Equal(t, 2, idx.Len())
	_, ok := idx.Get("stale")
	assert.False(t, ok, "load replaces the previous set")
	m, _ := idx.Get("a")
	assert.Equal(t, "second", m.Title)
}

func TestMarkerIndex_DeleteAndReset(t *testing.T) {
	idx := NewMarkerIndex()
	idx.Set(core.Marker{ID: "a"})
	idx.Set(core.Marker{ID: "b"})

	idx.Delete("a")
	idx.Delete("nonexistent")
	_, ok := idx.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, idx.Len())

	idx.Reset()
	assert.Equal(t, 0, idx.Len())
}

func TestMarkerIndex_ConcurrentAccess(t *testing.T) {
	idx := NewMarkerIndex()
	var wg sync.WaitGroup

	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 100 {
				id := string(rune('a'+n)) + string(rune('0'+j%10))
				idx.Set(core.Marker{ID: id})
				idx.Get(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, idx.Len())
}
