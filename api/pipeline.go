// File: api/pipeline.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Contract of the external pipeline component: construction with bound
// resources, the control handle, and state notifications.

package api

import (
	"context"
	"fmt"
	"time"
)

// PlaybackState is reported by a pipeline as it moves through playback.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackBuffering
	PlaybackReady
	PlaybackEnded
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackBuffering:
		return "buffering"
	case PlaybackReady:
		return "ready"
	case PlaybackEnded:
		return "ended"
	default:
		return fmt.Sprintf("playback(%d)", int(s))
	}
}

// StateChange is one notification from a pipeline. A non-nil Err reports a
// fatal pipeline error (e.g. ErrResourceExhausted); State is then ignored.
type StateChange struct {
	Slot  int
	State PlaybackState
	Err   error
}

// MediaSource describes what a pipeline plays. Opaque to the coordinator.
type MediaSource struct {
	URI        string
	LicenseURI string
	// DurationMs is the nominal content length; 0 means unknown.
	DurationMs int64
	// Loop restarts playback at the end instead of ending.
	Loop bool
}

// Pacer throttles one slot's transfers to its bandwidth share.
type Pacer interface {
	// WaitN blocks until n bytes may be transferred or ctx is done.
	WaitN(ctx context.Context, n int) error
	// Fraction is the slot's share of the shared estimate.
	Fraction() float64
}

// TransferMeter receives completed transfers for the shared estimate.
type TransferMeter interface {
	Sample(n int64, elapsed time.Duration)
	Estimate() float64
}

// PipelineBinding is the resource tuple a slot hands to the pipeline factory.
type PipelineBinding struct {
	Index             int
	Segments          SegmentAllocator
	Policy            LoadPolicy
	Context           ExecutionContext
	BandwidthFraction float64
	Pacer             Pacer
	Meter             TransferMeter
	Source            MediaSource
	// Events receives state changes. Sends must not block the pipeline's
	// context for long; the coordinator drains it continuously.
	Events chan<- StateChange
}

// PipelineHandle controls one pipeline. All methods are invoked from commands
// running on the pipeline's bound context.
type PipelineHandle interface {
	SetStartOffset(ms int64)
	SetMuted(muted bool)
	Prepare()
	Release()
}

// PipelineFactory creates pipelines. Create runs on the owning timeline and
// must not start playback; Prepare does that.
type PipelineFactory interface {
	Create(binding PipelineBinding) (PipelineHandle, error)
}

// PipelineFactoryFunc adapts a function to PipelineFactory.
type PipelineFactoryFunc func(binding PipelineBinding) (PipelineHandle, error)

// Create implements PipelineFactory.
func (f PipelineFactoryFunc) Create(b PipelineBinding) (PipelineHandle, error) { return f(b) }
