// Package api
// Author: momentics
//
// Fixed-size memory segments and the allocation surface handed to pipelines.

package api

// Segment is a fixed-size region issued by a segment pool.
type Segment interface {
	// Bytes returns the segment memory. Valid until the segment is released.
	Bytes() []byte

	// ID is unique within the issuing pool.
	ID() uint64
}

// SegmentAllocator is the slot-scoped allocation surface a pipeline receives.
type SegmentAllocator interface {
	// Allocate returns count segments or an error. ErrPoolSaturated means the
	// pool is at capacity and the caller should stall; ErrResourceExhausted
	// is fatal for the caller.
	Allocate(count int) ([]Segment, error)

	// Release hands segments back.
	Release(segs []Segment)

	// SegmentSize returns the fixed size of every segment in bytes.
	SegmentSize() int

	// Held returns the number of segments currently held by this allocator.
	Held() int
}

// LoadPolicy decides when a pipeline loads more data and when it may play.
type LoadPolicy interface {
	ShouldContinueLoading(bufferedMs int64) bool
	ShouldStartPlayback(bufferedMs int64, rebuffering, endOfStream bool) bool
}
