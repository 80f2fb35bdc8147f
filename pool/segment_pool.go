// File: pool/segment_pool.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-size segment pool with growth on demand and trim of idle capacity.
// Free-list mutation is guarded by a single mutex so a shared pool can be used
// from several execution contexts at once; contention is limited to
// allocate/release boundaries.

package pool

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/mediagrid/api"
)

// DefaultSegmentSize matches the usual media buffer segment (64 KiB).
const DefaultSegmentSize = 64 * 1024

// segment implements api.Segment.
type segment struct {
	data  []byte
	id    uint64
	owner *SegmentPool
	inUse bool
}

func (s *segment) Bytes() []byte { return s.data }
func (s *segment) ID() uint64    { return s.id }

// Config parametrizes a SegmentPool.
type Config struct {
	Name        string
	SegmentSize int
	// TrimOnRelease frees free-list entries above the target on every release.
	TrimOnRelease bool
	// TargetFree is the initial trim target.
	TargetFree int
	// MaxSegments caps allocated+free segments; 0 means unbounded.
	MaxSegments int
	Allocator   MemoryAllocator
	Logger      *zap.Logger
	// OnTrim observes how many segments each trim returned to the allocator.
	OnTrim func(pool string, segments int)
}

// Stats is a point-in-time view of pool accounting.
type Stats struct {
	Name        string `json:"name"`
	SegmentSize int    `json:"segment_size"`
	Allocated   int    `json:"allocated"`
	Free        int    `json:"free"`
	TargetFree  int    `json:"target_free"`
	Issued      uint64 `json:"issued"`  // fresh segments ever created
	Trimmed     uint64 `json:"trimmed"` // segments ever returned to the allocator
	TotalBytes  int64  `json:"total_bytes"`
}

// SegmentPool issues fixed-size segments.
type SegmentPool struct {
	mu         sync.Mutex
	name       string
	size       int
	free       []*segment
	allocated  int
	targetFree int
	maxSegs    int
	trimOnRel  bool
	nextID     uint64
	issued     uint64
	trimmed    uint64
	alloc      MemoryAllocator
	log        *zap.Logger
	onTrim     func(string, int)
}

// NewSegmentPool validates cfg and builds an empty pool.
func NewSegmentPool(cfg Config) (*SegmentPool, error) {
	if cfg.SegmentSize <= 0 {
		return nil, api.Configurationf("segment size must be positive, got %d", cfg.SegmentSize)
	}
	if cfg.TargetFree < 0 || cfg.MaxSegments < 0 {
		return nil, api.Configurationf("pool %q: negative target or capacity", cfg.Name)
	}
	if cfg.Allocator == nil {
		cfg.Allocator = HeapAllocator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &SegmentPool{
		name:       cfg.Name,
		size:       cfg.SegmentSize,
		targetFree: cfg.TargetFree,
		maxSegs:    cfg.MaxSegments,
		trimOnRel:  cfg.TrimOnRelease,
		alloc:      cfg.Allocator,
		log:        cfg.Logger.Named("pool").With(zap.String("pool", cfg.Name)),
		onTrim:     cfg.OnTrim,
	}, nil
}

// Name returns the pool name.
func (p *SegmentPool) Name() string { return p.name }

// SegmentSize returns the fixed segment size in bytes.
func (p *SegmentPool) SegmentSize() int { return p.size }

// Allocate returns count segments, reusing free ones first. It is
// all-or-nothing: on failure nothing stays allocated to the caller.
func (p *SegmentPool) Allocate(count int) ([]api.Segment, error) {
	if count < 0 {
		return nil, api.ErrInvalidArgument.WithContext("count", count)
	}
	if count == 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxSegs > 0 && p.allocated+count > p.maxSegs {
		return nil, api.ErrPoolSaturated.
			WithContext("pool", p.name).
			WithContext("allocated", p.allocated).
			WithContext("requested", count)
	}

	out := make([]api.Segment, 0, count)
	reused := min(count, len(p.free))
	for i := 0; i < reused; i++ {
		s := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		s.inUse = true
		out = append(out, s)
	}
	for len(out) < count {
		buf, err := p.alloc.Alloc(p.size)
		if err != nil {
			for _, s := range out {
				seg := s.(*segment)
				seg.inUse = false
				p.free = append(p.free, seg)
			}
			p.log.Error("segment allocation failed",
				zap.Int("requested", count), zap.Int("allocated", p.allocated), zap.Error(err))
			if errors.Is(err, api.ErrResourceExhausted) {
				return nil, err
			}
			return nil, api.ErrResourceExhausted.WithContext("pool", p.name).Wrap(err)
		}
		p.nextID++
		p.issued++
		out = append(out, &segment{data: buf, id: p.nextID, owner: p, inUse: true})
	}
	p.allocated += count
	return out, nil
}

// Release returns segments to the free list. Foreign or already released
// segments are ignored. Returns how many segments were accepted.
func (p *SegmentPool) Release(segs []api.Segment) int {
	if len(segs) == 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	accepted := 0
	for _, s := range segs {
		seg, ok := s.(*segment)
		if !ok || seg.owner != p || !seg.inUse {
			continue
		}
		seg.inUse = false
		p.free = append(p.free, seg)
		accepted++
	}
	p.allocated -= accepted
	if p.trimOnRel && len(p.free) > p.targetFree {
		p.trimLocked(p.targetFree)
	}
	return accepted
}

// SetTargetFreeCount sets the trim target and immediately discards free
// segments above it. Setting 0 once every consumer has released reclaims all
// idle memory of the pool.
func (p *SegmentPool) SetTargetFreeCount(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetFree = n
	if len(p.free) > n {
		p.trimLocked(n)
	}
}

// Trim discards free segments above the current target.
func (p *SegmentPool) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) > p.targetFree {
		p.trimLocked(p.targetFree)
	}
}

// trimLocked shrinks the free list to keep entries.
func (p *SegmentPool) trimLocked(keep int) {
	if keep < 0 {
		keep = 0
	}
	n := len(p.free) - keep
	if n <= 0 {
		return
	}
	for _, s := range p.free[keep:] {
		p.alloc.Free(s.data)
		s.data = nil
		s.owner = nil
	}
	clear(p.free[keep:])
	p.free = p.free[:keep]
	p.trimmed += uint64(n)
	p.log.Debug("trimmed idle segments", zap.Int("segments", n), zap.Int("free", keep))
	if p.onTrim != nil {
		p.onTrim(p.name, n)
	}
}

// TotalBytesAllocated is (allocated + free) * segment size. Observability only.
func (p *SegmentPool) TotalBytesAllocated() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.allocated+len(p.free)) * int64(p.size)
}

// AllocatedCount returns segments currently held by consumers.
func (p *SegmentPool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// FreeCount returns idle segments kept for reuse.
func (p *SegmentPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Stats returns a consistent snapshot of the pool counters.
func (p *SegmentPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:        p.name,
		SegmentSize: p.size,
		Allocated:   p.allocated,
		Free:        len(p.free),
		TargetFree:  p.targetFree,
		Issued:      p.issued,
		Trimmed:     p.trimmed,
		TotalBytes:  int64(p.allocated+len(p.free)) * int64(p.size),
	}
}

func (p *SegmentPool) String() string {
	st := p.Stats()
	return fmt.Sprintf("pool %s: %d allocated, %d free, %d bytes", st.Name, st.Allocated, st.Free, st.TotalBytes)
}
