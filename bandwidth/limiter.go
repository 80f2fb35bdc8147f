// File: bandwidth/limiter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bandwidth

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBurst lets one 64 KiB segment through without waiting.
const DefaultBurst = 64 * 1024

// Limiter paces one slot at fraction * meter estimate bytes per second.
// The rate follows the meter lazily, on the next wait after a new sample.
type Limiter struct {
	meter    *Meter
	fraction float64
	burst    int
	lim      *rate.Limiter
	seen     atomic.Uint64
}

func newLimiter(meter *Meter, fraction float64, burst int) *Limiter {
	if burst <= 0 {
		burst = DefaultBurst
	}
	l := &Limiter{meter: meter, fraction: fraction, burst: burst}
	l.lim = rate.NewLimiter(l.target(), burst)
	l.seen.Store(meter.version.Load())
	return l
}

func (l *Limiter) target() rate.Limit {
	return rate.Limit(l.meter.Estimate() * l.fraction)
}

func (l *Limiter) refresh() {
	v := l.meter.version.Load()
	if l.seen.Swap(v) != v {
		l.lim.SetLimit(l.target())
	}
}

// WaitN blocks until n bytes may be transferred or ctx is done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	l.refresh()
	for n > 0 {
		chunk := min(n, l.burst)
		if err := l.lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// AllowN reports whether n bytes may be transferred now.
func (l *Limiter) AllowN(n int) bool {
	l.refresh()
	return n <= l.burst && l.lim.AllowN(time.Now(), n)
}

// Rate returns the current pacing rate in bytes per second.
func (l *Limiter) Rate() float64 {
	l.refresh()
	return float64(l.lim.Limit())
}

// Fraction returns the slot's share of the estimate.
func (l *Limiter) Fraction() float64 { return l.fraction }
