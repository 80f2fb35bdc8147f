// File: coordinator/slot.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package coordinator

import (
	"fmt"
	"sync"

	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/bandwidth"
	"github.com/momentics/mediagrid/buffering"
	"github.com/momentics/mediagrid/internal/concurrency"
	"github.com/momentics/mediagrid/pool"
)

// SlotState tracks a pipeline slot as reported by its pipeline.
type SlotState int

const (
	SlotCreated SlotState = iota
	SlotStarting
	SlotReady
	SlotBuffering
	SlotEnded
	SlotStopped
	SlotFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotCreated:
		return "created"
	case SlotStarting:
		return "starting"
	case SlotReady:
		return "ready"
	case SlotBuffering:
		return "buffering"
	case SlotEnded:
		return "ended"
	case SlotStopped:
		return "stopped"
	case SlotFailed:
		return "failed"
	default:
		return fmt.Sprintf("slot-state(%d)", int(s))
	}
}

// Terminal reports whether no pipeline event can move the slot further.
func (s SlotState) Terminal() bool { return s == SlotStopped || s == SlotFailed }

// slot binds one pipeline to its resources.
type slot struct {
	index         int
	pool          *pool.SegmentPool
	lease         *pool.Lease
	policy        *buffering.Policy
	ctx           *concurrency.EventLoop
	limiter       *bandwidth.Limiter
	fraction      float64
	muted         bool
	startOffsetMs int64
	ownsPool      bool
	ownsContext   bool
	handle        api.PipelineHandle

	// stopMu serializes stop attempts on this slot.
	stopMu sync.Mutex

	mu      sync.Mutex
	state   SlotState
	lastErr error
	stalls  uint64
}

func (s *slot) name() string { return fmt.Sprintf("slot-%d", s.index) }

func (s *slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the slot to to unless it is terminal. Failed can only be
// left for Stopped.
func (s *slot) transition(to SlotState, err error) (from SlotState, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.state
	if from == SlotStopped || from == to {
		return from, false
	}
	if from == SlotFailed && to != SlotStopped {
		return from, false
	}
	s.state = to
	if err != nil {
		s.lastErr = err
	}
	return from, true
}

// SlotSnapshot describes one slot.
type SlotSnapshot struct {
	Index         int     `json:"index"`
	State         string  `json:"state"`
	Row           int     `json:"row"`
	Column        int     `json:"column"`
	Pool          string  `json:"pool"`
	Context       string  `json:"context"`
	HeldSegments  int     `json:"held_segments"`
	Fraction      float64 `json:"bandwidth_fraction"`
	PacingRate    float64 `json:"pacing_rate_bytes_per_second"`
	Muted         bool    `json:"muted"`
	StartOffsetMs int64   `json:"start_offset_ms"`
	OwnsPool      bool    `json:"owns_pool"`
	OwnsContext   bool    `json:"owns_context"`
	Stalls        uint64  `json:"stalls"`
	Error         string  `json:"error,omitempty"`
}

func (s *slot) snapshot(n int) SlotSnapshot {
	row, col := GridPosition(s.index, n)
	s.mu.Lock()
	state, lastErr, stalls := s.state, s.lastErr, s.stalls
	s.mu.Unlock()

	out := SlotSnapshot{
		Index:         s.index,
		State:         state.String(),
		Row:           row,
		Column:        col,
		Pool:          s.pool.Name(),
		Context:       s.ctx.Name(),
		HeldSegments:  s.lease.Held(),
		Fraction:      s.fraction,
		PacingRate:    s.limiter.Rate(),
		Muted:         s.muted,
		StartOffsetMs: s.startOffsetMs,
		OwnsPool:      s.ownsPool,
		OwnsContext:   s.ownsContext,
		Stalls:        stalls,
	}
	if lastErr != nil {
		out.Error = lastErr.Error()
	}
	return out
}
