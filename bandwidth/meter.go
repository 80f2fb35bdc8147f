// File: bandwidth/meter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bandwidth

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultInitialEstimate is used until the first transfer is sampled,
	// in bytes per second (1 Mbit/s).
	DefaultInitialEstimate = 125_000
	// DefaultHalfLife is the age at which a sample's weight halves.
	DefaultHalfLife = 2 * time.Second
)

// MeterStats is a snapshot of a Meter.
type MeterStats struct {
	EstimateBytesPerSec float64       `json:"estimate_bytes_per_second"`
	Samples             uint64        `json:"samples"`
	TotalBytes          int64         `json:"total_bytes"`
	TotalElapsed        time.Duration `json:"total_elapsed"`
}

// Meter is a shared bandwidth estimator: an exponentially weighted moving
// average of transfer throughput, weighted by transfer duration.
type Meter struct {
	halfLife time.Duration

	mu       sync.Mutex
	estimate float64
	samples  uint64
	bytes    int64
	elapsed  time.Duration

	version atomic.Uint64
}

// NewMeter creates a meter. Zero arguments select the defaults.
func NewMeter(initial float64, halfLife time.Duration) *Meter {
	if initial <= 0 {
		initial = DefaultInitialEstimate
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Meter{halfLife: halfLife, estimate: initial}
}

// Sample records a transfer of n bytes that took elapsed.
func (m *Meter) Sample(n int64, elapsed time.Duration) {
	if n <= 0 || elapsed <= 0 {
		return
	}
	bps := float64(n) / elapsed.Seconds()
	alpha := 1 - math.Exp2(-elapsed.Seconds()/m.halfLife.Seconds())

	m.mu.Lock()
	m.estimate += alpha * (bps - m.estimate)
	m.samples++
	m.bytes += n
	m.elapsed += elapsed
	m.mu.Unlock()
	m.version.Add(1)
}

// Estimate returns the current estimate in bytes per second.
func (m *Meter) Estimate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimate
}

// Stats returns a snapshot of the meter.
func (m *Meter) Stats() MeterStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MeterStats{
		EstimateBytesPerSec: m.estimate,
		Samples:             m.samples,
		TotalBytes:          m.bytes,
		TotalElapsed:        m.elapsed,
	}
}
