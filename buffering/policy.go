// File: buffering/policy.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Buffering thresholds evaluated against a segment pool. Decisions are pure
// queries: they never block and never mutate state, so a policy shared by
// several pipelines needs no locking of its own.

package buffering

import (
	"github.com/momentics/mediagrid/api"
)

// Default thresholds, in milliseconds.
const (
	DefaultMinBufferMs                      = 50_000
	DefaultMaxBufferMs                      = 50_000
	DefaultBufferForPlaybackMs              = 2_500
	DefaultBufferForPlaybackAfterRebufferMs = 5_000
	// DefaultTargetBufferSegments sizes the byte target for video content.
	DefaultTargetBufferSegments = 2_000
)

// Thresholds configure a Policy.
type Thresholds struct {
	MinBufferMs                      int64 `yaml:"min_buffer_ms"`
	MaxBufferMs                      int64 `yaml:"max_buffer_ms"`
	BufferForPlaybackMs              int64 `yaml:"buffer_for_playback_ms"`
	BufferForPlaybackAfterRebufferMs int64 `yaml:"buffer_for_playback_after_rebuffer_ms"`
	// TargetBufferBytes is compared with the bound pool's total bytes; 0
	// derives it from DefaultTargetBufferSegments and the pool segment size.
	TargetBufferBytes int64 `yaml:"target_buffer_bytes"`
	// PrioritizeTimeOverSize lets duration thresholds win over the byte target.
	PrioritizeTimeOverSize bool `yaml:"prioritize_time_over_size"`
}

// DefaultThresholds returns the stock buffering configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinBufferMs:                      DefaultMinBufferMs,
		MaxBufferMs:                      DefaultMaxBufferMs,
		BufferForPlaybackMs:              DefaultBufferForPlaybackMs,
		BufferForPlaybackAfterRebufferMs: DefaultBufferForPlaybackAfterRebufferMs,
		PrioritizeTimeOverSize:           true,
	}
}

// Validate checks the ordering invariants between thresholds.
func (t Thresholds) Validate() error {
	switch {
	case t.BufferForPlaybackMs < 0:
		return api.Configurationf("buffer_for_playback_ms must not be negative")
	case t.BufferForPlaybackMs > t.BufferForPlaybackAfterRebufferMs:
		return api.Configurationf("buffer_for_playback_ms (%d) exceeds buffer_for_playback_after_rebuffer_ms (%d)",
			t.BufferForPlaybackMs, t.BufferForPlaybackAfterRebufferMs)
	case t.BufferForPlaybackAfterRebufferMs > t.MaxBufferMs:
		return api.Configurationf("buffer_for_playback_after_rebuffer_ms (%d) exceeds max_buffer_ms (%d)",
			t.BufferForPlaybackAfterRebufferMs, t.MaxBufferMs)
	case t.BufferForPlaybackMs > t.MinBufferMs:
		return api.Configurationf("buffer_for_playback_ms (%d) exceeds min_buffer_ms (%d)",
			t.BufferForPlaybackMs, t.MinBufferMs)
	case t.MinBufferMs > t.MaxBufferMs:
		return api.Configurationf("min_buffer_ms (%d) exceeds max_buffer_ms (%d)", t.MinBufferMs, t.MaxBufferMs)
	case t.TargetBufferBytes < 0:
		return api.Configurationf("target_buffer_bytes must not be negative")
	}
	return nil
}

// ByteGauge reports the bytes a pool currently holds.
type ByteGauge interface {
	TotalBytesAllocated() int64
	SegmentSize() int
}

// Policy binds thresholds to one pool for its lifetime.
type Policy struct {
	name        string
	t           Thresholds
	pool        ByteGauge
	targetBytes int64
}

// New validates t and binds it to pool.
func New(name string, t Thresholds, pool ByteGauge) (*Policy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, api.Configurationf("buffer policy %q has no pool", name)
	}
	target := t.TargetBufferBytes
	if target == 0 {
		target = int64(DefaultTargetBufferSegments) * int64(pool.SegmentSize())
	}
	return &Policy{name: name, t: t, pool: pool, targetBytes: target}, nil
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Thresholds returns the configured thresholds.
func (p *Policy) Thresholds() Thresholds { return p.t }

// TargetBytes returns the effective byte target.
func (p *Policy) TargetBytes() int64 { return p.targetBytes }

func (p *Policy) byteTargetReached() bool {
	return p.pool.TotalBytesAllocated() >= p.targetBytes
}

// ShouldContinueLoading reports whether a pipeline with bufferedMs of media
// ahead of its playhead should fetch more.
func (p *Policy) ShouldContinueLoading(bufferedMs int64) bool {
	reached := p.byteTargetReached()
	switch {
	case bufferedMs < p.t.MinBufferMs:
		return p.t.PrioritizeTimeOverSize || !reached
	case bufferedMs >= p.t.MaxBufferMs:
		return false
	default:
		return !reached
	}
}

// ShouldStartPlayback reports whether playback may (re)start. rebuffering
// selects the after-stall threshold.
func (p *Policy) ShouldStartPlayback(bufferedMs int64, rebuffering, endOfStream bool) bool {
	if endOfStream {
		return true
	}
	threshold := p.t.BufferForPlaybackMs
	if rebuffering {
		threshold = p.t.BufferForPlaybackAfterRebufferMs
	}
	if threshold <= 0 || bufferedMs >= threshold {
		return true
	}
	// A shared pool may already hold other pipelines' bytes, so the byte
	// target only counts when time is not prioritized.
	return !p.t.PrioritizeTimeOverSize && p.byteTargetReached()
}

var _ api.LoadPolicy = (*Policy)(nil)
