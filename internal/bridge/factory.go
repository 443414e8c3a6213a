package bridge

import (
	"sync/atomic"

	"github.com/rentmap/mapcluster/internal/pool"
)

// remoteHandle stands in for a map object that lives in the browser. The
// browser keys its objects by pool handle ID; Version tells it whether a
// reused handle was rebound to new content.
type remoteHandle struct {
	Version int
}

// remoteFactory backs the session pool of one connection. Objects are
// created and destroyed by the client when it diffs frames, so the server
// side only counts.
type remoteFactory struct {
	live atomic.Int64
}

func (f *remoteFactory) Create(pool.Descriptor) any {
	f.live.Add(1)
	return &remoteHandle{}
}

func (f *remoteFactory) Update(native any, _ pool.Descriptor) {
	if h, ok := native.(*remoteHandle); ok {
		h.Version++
	}
}

func (f *remoteFactory) Destroy(any) {
	f.live.Add(-1)
}

// Live returns the handles created and not yet destroyed.
func (f *remoteFactory) Live() int64 {
	return f.live.Load()
}
