// File: pool/lease.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lease is a slot-scoped view over a SegmentPool. It remembers which segments
// its holder currently owns so they can be returned in one step when the slot
// stops, without touching segments held by other slots of a shared pool.

package pool

import (
	"sync"

	"github.com/momentics/mediagrid/api"
)

// Lease implements api.SegmentAllocator on top of a SegmentPool.
type Lease struct {
	pool   *SegmentPool
	owner  string
	mu     sync.Mutex
	held   map[uint64]api.Segment
	closed bool
}

// NewLease opens a lease on the pool for owner.
func (p *SegmentPool) NewLease(owner string) *Lease {
	return &Lease{
		pool:  p,
		owner: owner,
		held:  make(map[uint64]api.Segment),
	}
}

// Pool returns the pool backing the lease.
func (l *Lease) Pool() *SegmentPool { return l.pool }

// Owner returns the lease owner label.
func (l *Lease) Owner() string { return l.owner }

// Allocate takes count segments from the pool on behalf of the owner.
func (l *Lease) Allocate(count int) ([]api.Segment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, api.ErrLeaseClosed.WithContext("owner", l.owner)
	}
	segs, err := l.pool.Allocate(count)
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		l.held[s.ID()] = s
	}
	return segs, nil
}

// Release returns segments held by this lease; others are ignored.
func (l *Lease) Release(segs []api.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	own := segs[:0:0]
	for _, s := range segs {
		if h, ok := l.held[s.ID()]; ok && h == s {
			delete(l.held, s.ID())
			own = append(own, s)
		}
	}
	l.pool.Release(own)
}

// ReleaseAll returns every segment still held and reports how many there were.
func (l *Lease) ReleaseAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseAllLocked()
}

// Close releases everything and rejects further allocations. Idempotent.
func (l *Lease) Close() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.releaseAllLocked()
}

func (l *Lease) releaseAllLocked() int {
	if len(l.held) == 0 {
		return 0
	}
	segs := make([]api.Segment, 0, len(l.held))
	for id, s := range l.held {
		segs = append(segs, s)
		delete(l.held, id)
	}
	return l.pool.Release(segs)
}

// SegmentSize implements api.SegmentAllocator.
func (l *Lease) SegmentSize() int { return l.pool.SegmentSize() }

// Held implements api.SegmentAllocator.
func (l *Lease) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

var _ api.SegmentAllocator = (*Lease)(nil)
