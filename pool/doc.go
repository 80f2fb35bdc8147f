// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for mediagrid. Implements fixed-size segment pools that grow on
// demand, keep idle segments for O(1) reuse and trim idle capacity back to the
// backing allocator. A pool may be shared by many pipelines or owned by one;
// Lease gives each pipeline slot its own accounting over either.
// See segment_pool.go, lease.go and allocator.go for implementation details.
package pool
