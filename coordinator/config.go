// File: coordinator/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package coordinator

import (
	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/bandwidth"
	"github.com/momentics/mediagrid/buffering"
	"github.com/momentics/mediagrid/pool"
)

// Defaults for a coordinator.
const (
	DefaultSlots              = 9
	DefaultBaselineDurationMs = 60_000
	DefaultEventBuffer        = 64
)

// Config holds everything that does not vary per slot.
type Config struct {
	SegmentSize   int
	TrimOnRelease bool
	// MaxSegmentsPerPool caps every pool; 0 leaves pools unbounded.
	MaxSegmentsPerPool int
	Thresholds         buffering.Thresholds

	BaseBandwidthFraction float64
	// BaselineDurationMs spreads the start offsets of the slots.
	BaselineDurationMs int64

	Priority api.PriorityClass
	// DrainOnQuit runs queued commands before a context exits.
	DrainOnQuit bool

	// RestrictAudio mutes every slot except AudioOwner.
	RestrictAudio bool
	AudioOwner    int

	Source      api.MediaSource
	EventBuffer int
}

// DefaultConfig returns the stock nine-tile configuration values.
func DefaultConfig() Config {
	return Config{
		SegmentSize:           pool.DefaultSegmentSize,
		Thresholds:            buffering.DefaultThresholds(),
		BaseBandwidthFraction: bandwidth.DefaultBaseFraction,
		BaselineDurationMs:    DefaultBaselineDurationMs,
		Priority:              api.PriorityAudio,
		DrainOnQuit:           true,
		RestrictAudio:         true,
		EventBuffer:           DefaultEventBuffer,
	}
}

// Validate checks fields independent of the slot count.
func (c Config) Validate() error {
	switch {
	case c.SegmentSize <= 0:
		return api.Configurationf("segment size must be positive, got %d", c.SegmentSize)
	case c.MaxSegmentsPerPool < 0:
		return api.Configurationf("max segments per pool must not be negative")
	case c.BaseBandwidthFraction <= 0 || c.BaseBandwidthFraction > 1:
		return api.Configurationf("base bandwidth fraction %v outside (0, 1]", c.BaseBandwidthFraction)
	case c.BaselineDurationMs < 0:
		return api.Configurationf("baseline duration must not be negative")
	case c.AudioOwner < 0:
		return api.Configurationf("audio owner must not be negative")
	}
	return c.Thresholds.Validate()
}

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Source.DurationMs > 0 && c.BaselineDurationMs == 0 {
		c.BaselineDurationMs = c.Source.DurationMs
	}
	return c
}
