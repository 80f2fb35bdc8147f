// File: pool/allocator.go
// Author: momentics <momentics@gmail.com>
//
// Backing memory allocators for segment pools. A pool asks its allocator for
// fresh segment memory on growth and hands memory back on trim.

package pool

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/mediagrid/api"
)

// MemoryAllocator supplies and reclaims raw segment memory.
type MemoryAllocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte)
}

// HeapAllocator takes memory from the Go heap. Free drops the reference and
// leaves reclamation to the GC.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(size int) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.ErrResourceExhausted.Wrap(fmt.Errorf("heap alloc %d bytes: %v", size, r))
		}
	}()
	return make([]byte, size), nil
}

func (HeapAllocator) Free([]byte) {}

// LimitAllocator caps the bytes outstanding across every pool sharing it,
// modelling a process memory ceiling. Exceeding the cap fails with
// api.ErrResourceExhausted.
type LimitAllocator struct {
	next  MemoryAllocator
	limit int64
	inUse atomic.Int64
}

// NewLimitAllocator wraps next (HeapAllocator when nil) with a byte ceiling.
func NewLimitAllocator(limit int64, next MemoryAllocator) *LimitAllocator {
	if next == nil {
		next = HeapAllocator{}
	}
	return &LimitAllocator{next: next, limit: limit}
}

func (l *LimitAllocator) Alloc(size int) ([]byte, error) {
	if l.inUse.Add(int64(size)) > l.limit {
		l.inUse.Add(-int64(size))
		return nil, api.ErrResourceExhausted.
			WithContext("limit", l.limit).
			WithContext("requested", size)
	}
	buf, err := l.next.Alloc(size)
	if err != nil {
		l.inUse.Add(-int64(size))
		return nil, err
	}
	return buf, nil
}

func (l *LimitAllocator) Free(buf []byte) {
	l.inUse.Add(-int64(cap(buf)))
	l.next.Free(buf)
}

// InUse returns the bytes currently handed out.
func (l *LimitAllocator) InUse() int64 { return l.inUse.Load() }
