package pool

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type native struct {
	serial int
	desc   Descriptor
}

type fakeFactory struct {
	mu        sync.Mutex
	serial    int
	created   int
	updated   int
	destroyed int
	live      map[*native]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{live: make(map[*native]bool)}
}

func (f *fakeFactory) Create(d Descriptor) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serial++
	f.created++
	n := &native{serial: f.serial, desc: d}
	f.live[n] = true
	return n
}

func (f *fakeFactory) Update(n any, d Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated++
	n.(*native).desc = d
}

func (f *fakeFactory) Destroy(n any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	delete(f.live, n.(*native))
}

func pins(ids ...string) []Descriptor {
	out := make([]Descriptor, len(ids))
	for i, id := range ids {
		out[i] = Descriptor{Kind: KindPin, ID: id, Position: core.LatLng{Lat: float64(i), Lng: 1}}
	}
	return out
}

func TestDescriptor_Key(t *testing.T) {
	a := Descriptor{Kind: KindGlyph, ID: "c/1/2/3", Position: core.LatLng{Lat: 1.5, Lng: 2}, Count: 4}
	b := a
	assert.Equal(t, a.Key(), b.Key())

	b.Count = 5
	assert.NotEqual(t, a.Key(), b.Key())

	c := a
	c.Kind = KindPin
	assert.NotEqual(t, a.Key(), c.Key())

	line := Descriptor{Kind: KindLine, ID: "x", Path: []core.LatLng{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 1}}}
	moved := line
	moved.Path = []core.LatLng{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 2}}
	assert.NotEqual(t, line.Key(), moved.Key())
}

func TestPool_AcquireGrowsLazily(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	h1 := p.Acquire(pins("a")[0])
	h2 := p.Acquire(pins("b")[0])

	require.NotNil(t, h1)
	require.NotNil(t, h2)
	assert.NotEqual(t, h1.ID, h2.ID)
	assert.Equal(t, 2, f.created)
	assert.Equal(t, 2, p.Stats().Outstanding)
}

func TestPool_ReleaseAndRebind(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	h := p.Acquire(Descriptor{Kind: KindPin, ID: "a"})
	p.Release(h)
	p.Release(h) // double release is a no-op

	assert.Equal(t, Stats{Outstanding: 0, Idle: 1, Created: 1}, p.Stats())

	again := p.Acquire(Descriptor{Kind: KindPin, ID: "b"})
	assert.Same(t, h, again)
	assert.Equal(t, "b", again.Descriptor.ID)
	assert.Equal(t, "b", again.Native.(*native).desc.ID)
	assert.Equal(t, 1, f.created)
	assert.Equal(t, 1, f.updated)
}

func TestPool_RebindKeepsKindsApart(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	p.Release(p.Acquire(Descriptor{Kind: KindGlyph, ID: "c"}))
	p.Acquire(Descriptor{Kind: KindPin, ID: "a"})

	assert.Equal(t, 2, f.created)
	assert.Equal(t, 0, f.updated)
}

func TestPool_ReconcileKeepsUnchanged(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	first := p.Reconcile(pins("a", "b", "c"))
	require.Len(t, first, 3)

	second := p.Reconcile(pins("a", "b", "c"))
	for i := range first {
		assert.Same(t, first[i], second[i])
	}
	assert.Equal(t, 3, f.created)
	assert.Equal(t, 0, f.updated)
	assert.Equal(t, 3, p.Stats().Kept)
}

func TestPool_ReconcileReusesReleased(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	p.Reconcile(pins("a", "b", "c", "d"))
	got := p.Reconcile(pins("x", "y"))

	require.Len(t, got, 2)
	assert.Equal(t, 4, f.created, "shrinking must not create")
	assert.Equal(t, 2, f.updated)

	s := p.Stats()
	assert.Equal(t, 2, s.Outstanding)
	assert.Equal(t, 2, s.Idle)
}

func TestPool_Conservation(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	sizes := []int{5, 12, 3, 0, 9, 9, 1, 20}
	for round, n := range sizes {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("r%d-%d", round%3, i)
		}
		got := p.Reconcile(pins(ids...))
		require.Len(t, got, n)

		s := p.Stats()
		assert.Equal(t, n, s.Outstanding, "round %d", round)
		assert.Equal(t, len(f.live), s.Outstanding+s.Idle, "round %d", round)

		seen := make(map[*Handle]bool)
		for _, h := range got {
			assert.False(t, seen[h], "handle handed out twice")
			seen[h] = true
		}
	}

	assert.Equal(t, 20, f.created, "high-water mark bounds creation")

	p.ReleaseAll()
	assert.Equal(t, 0, p.Stats().Outstanding)

	p.Close()
	assert.Empty(t, f.live)
	assert.Equal(t, Stats{Created: f.created, Rebound: p.Stats().Rebound, Kept: p.Stats().Kept, Destroyed: 20}, p.Stats())
}

func TestPool_DuplicateDescriptors(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	d := pins("a")[0]
	got := p.Reconcile([]Descriptor{d, d})
	require.Len(t, got, 2)
	assert.NotSame(t, got[0], got[1])

	p.Reconcile(nil)
	assert.Equal(t, 0, p.Stats().Outstanding)
}

func TestPool_EvictIdle(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	p.Reconcile(pins("a", "b", "c", "d", "e"))
	p.ReleaseAll()

	assert.Equal(t, 3, p.EvictIdle(2))
	assert.Equal(t, 2, p.Stats().Idle)
	assert.Equal(t, 3, f.destroyed)

	assert.Equal(t, 0, p.EvictIdle(5))
	assert.Equal(t, 2, p.EvictIdle(-1))
	assert.Empty(t, f.live)
}

func TestPool_CloseDestroysOutstanding(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	p.Reconcile(pins("a", "b"))
	p.Close()

	assert.Empty(t, f.live)
	assert.Equal(t, 0, p.Stats().Outstanding)

	// still usable after close
	h := p.Acquire(pins("c")[0])
	assert.NotNil(t, h)
}

func TestPool_ConcurrentUse(t *testing.T) {
	f := newFakeFactory()
	p := New(f)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				h := p.Acquire(Descriptor{Kind: KindPin, ID: fmt.Sprintf("%d-%d", g, i)})
				p.Release(h)
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, 0, s.Outstanding)
	assert.LessOrEqual(t, s.Created, 8)
}
