// Package pool keeps map-surface render handles alive across recomputes so
// a pan does not destroy and recreate every pin on screen.
package pool

import (
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rentmap/mapcluster/pkg/core"
)

// Kind is the sort of native object a handle wraps. Idle handles are only
// rebound to descriptors of the same kind.
type Kind string

const (
	KindPin   Kind = "pin"   // single listing marker
	KindGlyph Kind = "glyph" // cluster bubble with a count
	KindLine  Kind = "line"  // spider leg
)

// Descriptor declares what a handle should show.
type Descriptor struct {
	Kind     Kind          `json:"kind"`
	ID       string        `json:"id"`
	Position core.LatLng   `json:"position"`
	Path     []core.LatLng `json:"path,omitempty"`
	Label    string        `json:"label,omitempty"`
	Count    int           `json:"count,omitempty"`
}

// Key identifies the visual content of d. Equal keys render identically.
func (d Descriptor) Key() string {
	var b strings.Builder
	b.WriteString(string(d.Kind))
	b.WriteByte('|')
	b.WriteString(d.ID)
	b.WriteByte('|')
	writeLatLng(&b, d.Position)
	for _, p := range d.Path {
		b.WriteByte(';')
		writeLatLng(&b, p)
	}
	b.WriteByte('|')
	b.WriteString(d.Label)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(d.Count))
	return b.String()
}

func writeLatLng(b *strings.Builder, p core.LatLng) {
	b.WriteString(strconv.FormatFloat(p.Lat, 'f', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(p.Lng, 'f', -1, 64))
}

// Factory realizes handles on the map surface.
type Factory interface {
	Create(d Descriptor) any
	Update(native any, d Descriptor)
	Destroy(native any)
}

// Handle is a borrowed render object. Callers never own Native.
type Handle struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Descriptor Descriptor `json:"descriptor"`
	Native     any        `json:"-"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Outstanding int `json:"outstanding"`
	Idle        int `json:"idle"`
	Created     int `json:"created"`
	Rebound     int `json:"rebound"`
	Kept        int `json:"kept"`
	Destroyed   int `json:"destroyed"`
}

// Pool hands out handles and recycles released ones. It is safe for
// concurrent use.
type Pool struct {
	factory Factory

	mu     sync.Mutex
	active map[*Handle]struct{}
	bound  map[string][]*Handle // handles placed by the last Reconcile, by descriptor key
	idle   map[Kind][]*Handle
	stats  Stats
}

// New creates an empty pool backed by factory.
func New(factory Factory) *Pool {
	return &Pool{
		factory: factory,
		active:  make(map[*Handle]struct{}),
		bound:   make(map[string][]*Handle),
		idle:    make(map[Kind][]*Handle),
	}
}

// Acquire borrows a handle showing d, rebinding an idle one of the same kind
// when available. It never fails; the pool grows on demand.
func (p *Pool) Acquire(d Descriptor) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(d)
}

// Release returns h to the idle list. Unknown or already released handles are ignored.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(h)
	p.releaseLocked(h)
}

// ReleaseAll returns every outstanding handle to the idle list.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseAllLocked()
}

// Reconcile makes the outstanding handles match descs one to one. Handles
// whose descriptor is unchanged are kept as they are, the rest are released
// and reused for the new descriptors. The result is index-aligned with descs.
func (p *Pool) Reconcile(descs []Descriptor) []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Handle, len(descs))
	next := make(map[string][]*Handle, len(descs))

	for i, d := range descs {
		k := d.Key()
		hs := p.bound[k]
		if len(hs) == 0 {
			continue
		}
		h := hs[len(hs)-1]
		p.bound[k] = hs[:len(hs)-1]
		out[i] = h
		next[k] = append(next[k], h)
		p.stats.Kept++
	}

	for _, hs := range p.bound {
		for _, h := range hs {
			p.releaseLocked(h)
		}
	}

	for i, d := range descs {
		if out[i] != nil {
			continue
		}
		h := p.acquireLocked(d)
		out[i] = h
		next[d.Key()] = append(next[d.Key()], h)
	}

	p.bound = next
	return out
}

// EvictIdle destroys idle handles until at most keep remain per kind and
// returns how many were destroyed.
func (p *Pool) EvictIdle(keep int) int {
	keep = max(keep, 0)

	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for kind, hs := range p.idle {
		if len(hs) <= keep {
			continue
		}
		for _, h := range hs[keep:] {
			p.factory.Destroy(h.Native)
			evicted++
		}
		p.idle[kind] = hs[:keep:keep]
	}
	p.stats.Destroyed += evicted
	return evicted
}

// Close releases everything and destroys all native objects. The pool stays
// usable and starts empty.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseAllLocked()
	for kind, hs := range p.idle {
		for _, h := range hs {
			p.factory.Destroy(h.Native)
			p.stats.Destroyed++
		}
		delete(p.idle, kind)
	}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Outstanding = len(p.active)
	for _, hs := range p.idle {
		s.Idle += len(hs)
	}
	return s
}

func (p *Pool) acquireLocked(d Descriptor) *Handle {
	var h *Handle
	if hs := p.idle[d.Kind]; len(hs) > 0 {
		h = hs[len(hs)-1]
		p.idle[d.Kind] = hs[:len(hs)-1]
		p.factory.Update(h.Native, d)
		p.stats.Rebound++
	} else {
		h = &Handle{
			ID:     uuid.NewString(),
			Kind:   d.Kind,
			Native: p.factory.Create(d),
		}
		p.stats.Created++
	}
	h.Descriptor = d
	p.active[h] = struct{}{}
	return h
}

func (p *Pool) releaseLocked(h *Handle) {
	if _, ok := p.active[h]; !ok {
		return
	}
	delete(p.active, h)
	p.idle[h.Kind] = append(p.idle[h.Kind], h)
}

func (p *Pool) unbindLocked(h *Handle) {
	k := h.Descriptor.Key()
	hs := p.bound[k]
	for i, b := range hs {
		if b == h {
			p.bound[k] = append(hs[:i], hs[i+1:]...)
			return
		}
	}
}

func (p *Pool) releaseAllLocked() {
	for h := range p.active {
		p.releaseLocked(h)
	}
	p.bound = make(map[string][]*Handle)
}
