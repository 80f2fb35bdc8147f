// File: bandwidth/budget.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bandwidth

import (
	"github.com/momentics/mediagrid/api"
)

// DefaultBaseFraction is the share of the estimate handed out across all
// slots. The remainder is headroom for everything else on the link.
const DefaultBaseFraction = 0.7

// Budget assigns baseFraction/N to every slot. The fraction is fixed for the
// lifetime of the budget; stopping a slot does not redistribute its share.
type Budget struct {
	base float64
	n    int
}

// NewBudget validates base in (0, 1] and n >= 1.
func NewBudget(base float64, n int) (*Budget, error) {
	if base <= 0 || base > 1 {
		return nil, api.Configurationf("bandwidth base fraction %v outside (0, 1]", base)
	}
	if n < 1 {
		return nil, api.Configurationf("bandwidth budget needs at least one slot, got %d", n)
	}
	return &Budget{base: base, n: n}, nil
}

// FractionFor returns the share of slot. Out-of-range slots get 0.
func (b *Budget) FractionFor(slot int) float64 {
	if slot < 0 || slot >= b.n {
		return 0
	}
	return b.base / float64(b.n)
}

// Base returns the total fraction shared by all slots.
func (b *Budget) Base() float64 { return b.base }

// N returns the number of slots.
func (b *Budget) N() int { return b.n }

// Total sums the fractions of all slots.
func (b *Budget) Total() float64 {
	var sum float64
	for i := 0; i < b.n; i++ {
		sum += b.FractionFor(i)
	}
	return sum
}

// Limiter returns a pacing limiter for slot driven by meter.
func (b *Budget) Limiter(slot int, meter *Meter, burst int) *Limiter {
	return newLimiter(meter, b.FractionFor(slot), burst)
}
