// File: coordinator/snapshot.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package coordinator

import (
	"github.com/momentics/mediagrid/internal/concurrency"
	"github.com/momentics/mediagrid/pool"
)

// Snapshot is a point-in-time view of a running coordinator.
type Snapshot struct {
	RunID  string `json:"run_id,omitempty"`
	Policy string `json:"policy"`
	Slots  int    `json:"slots"`
	// TotalBytes sums every distinct pool once.
	TotalBytes        int64                   `json:"total_bytes"`
	BandwidthEstimate float64                 `json:"bandwidth_estimate_bytes_per_second"`
	GridColumns       int                     `json:"grid_columns"`
	Pools             []pool.Stats            `json:"pools"`
	Contexts          []concurrency.LoopStats `json:"contexts"`
	SlotDetail        []SlotSnapshot          `json:"slot_detail"`
}

// MetricsSnapshot reports memory use across distinct pools plus per-pool,
// per-context and per-slot detail. A stopped coordinator reports zero bytes.
func (c *Coordinator) MetricsSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		RunID:             c.runID,
		Policy:            c.policy.String(),
		Slots:             c.n,
		BandwidthEstimate: c.meter.Estimate(),
		GridColumns:       GridColumns(c.n),
	}
	if !c.started {
		snap.RunID = ""
		return snap
	}
	for _, p := range c.pools {
		st := p.Stats()
		snap.TotalBytes += st.TotalBytes
		snap.Pools = append(snap.Pools, st)
	}
	for _, el := range c.contexts {
		snap.Contexts = append(snap.Contexts, el.Stats())
	}
	for _, s := range c.slots {
		snap.SlotDetail = append(snap.SlotDetail, s.snapshot(c.n))
	}
	return snap
}

// Slots returns per-slot detail.
func (c *Coordinator) Slots() []SlotSnapshot {
	return c.MetricsSnapshot().SlotDetail
}

// RefreshMetrics pushes live pool and meter state into the metrics gauges.
// Hosts call it before each scrape.
func (c *Coordinator) RefreshMetrics() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshMetricsLocked()
}

func (c *Coordinator) refreshMetricsLocked() {
	var total int64
	for _, p := range c.pools {
		st := p.Stats()
		total += st.TotalBytes
		c.metrics.ObservePool(st.Name, st.Allocated, st.Free, st.TotalBytes)
	}
	c.metrics.SetTotalBytes(total)
	c.metrics.SetBandwidthEstimate(c.meter.Estimate())
}

// registerProbes exposes the run's pools, contexts and slots. Caller holds c.mu.
func (c *Coordinator) registerProbes() {
	if c.probes == nil {
		return
	}
	add := func(name string, fn func() any) {
		c.probes.RegisterProbe(name, fn)
		c.probeNames = append(c.probeNames, name)
	}
	for _, p := range c.pools {
		p := p
		add("pool."+p.Name(), func() any { return p.Stats() })
	}
	for _, el := range c.contexts {
		el := el
		add("context."+el.Name(), func() any { return el.Stats() })
	}
	slots, n := c.slots, c.n
	add("coordinator.slots", func() any {
		out := make([]SlotSnapshot, 0, len(slots))
		for _, s := range slots {
			out = append(out, s.snapshot(n))
		}
		return out
	})
	add("bandwidth.meter", func() any { return c.meter.Stats() })
}

func (c *Coordinator) unregisterProbes() {
	if c.probes == nil {
		return
	}
	for _, name := range c.probeNames {
		c.probes.UnregisterProbe(name)
	}
	c.probeNames = nil
}
