// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus metrics for pools, slots and execution contexts.

package control

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediagrid"

// Metrics holds the coordinator's Prometheus series on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	poolBytes    *prometheus.GaugeVec
	poolSegments *prometheus.GaugeVec
	poolTrimmed  *prometheus.CounterVec

	slotTransitions *prometheus.CounterVec
	slotState       *prometheus.GaugeVec
	slotStalls      *prometheus.CounterVec
	slotFailures    *prometheus.CounterVec

	staleCommands *prometheus.CounterVec
	slowCommands  *prometheus.CounterVec
	stopDuration  prometheus.Histogram

	bandwidthEstimate prometheus.Gauge
	totalBytes        prometheus.Gauge

	mu        sync.Mutex
	lastState map[int]string
}

// NewMetrics creates and registers all series.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		poolBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_bytes",
			Help:      "Bytes held by a segment pool, allocated and free",
		}, []string{"pool"}),
		poolSegments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_segments",
			Help:      "Segments in a pool by state",
		}, []string{"pool", "state"}),
		poolTrimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_trimmed_segments_total",
			Help:      "Free segments returned to the system",
		}, []string{"pool"}),
		slotTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_transitions_total",
			Help:      "Slot state transitions by target state",
		}, []string{"state"}),
		slotState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_state",
			Help:      "1 for the current state of each slot",
		}, []string{"slot", "state"}),
		slotStalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_stalls_total",
			Help:      "Loads deferred because the pool was saturated",
		}, []string{"slot"}),
		slotFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_failures_total",
			Help:      "Slots that failed, by error code",
		}, []string{"code"}),
		staleCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_commands_total",
			Help:      "Commands posted to an execution context after it quit",
		}, []string{"context"}),
		slowCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_commands_total",
			Help:      "Commands that held an execution context longer than the tick budget",
		}, []string{"context"}),
		stopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_stop_seconds",
			Help:      "Time to stop one slot",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		bandwidthEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_estimate_bytes_per_second",
			Help:      "Shared bandwidth estimate",
		}),
		totalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_bytes",
			Help:      "Bytes held across all distinct pools",
		}),
		lastState: make(map[int]string),
	}
	m.registry.MustRegister(
		m.poolBytes, m.poolSegments, m.poolTrimmed,
		m.slotTransitions, m.slotState, m.slotStalls, m.slotFailures,
		m.staleCommands, m.slowCommands, m.stopDuration,
		m.bandwidthEstimate, m.totalBytes,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObservePool records a pool snapshot.
func (m *Metrics) ObservePool(pool string, allocated, free int, bytes int64) {
	m.poolBytes.WithLabelValues(pool).Set(float64(bytes))
	m.poolSegments.WithLabelValues(pool, "allocated").Set(float64(allocated))
	m.poolSegments.WithLabelValues(pool, "free").Set(float64(free))
}

// SetTotalBytes records the coordinator-wide byte total.
func (m *Metrics) SetTotalBytes(bytes int64) { m.totalBytes.Set(float64(bytes)) }

// AddTrimmed counts segments trimmed from pool.
func (m *Metrics) AddTrimmed(pool string, segments int) {
	m.poolTrimmed.WithLabelValues(pool).Add(float64(segments))
}

// SlotTransition moves slot to state.
func (m *Metrics) SlotTransition(slot int, state string) {
	m.slotTransitions.WithLabelValues(state).Inc()
	label := strconv.Itoa(slot)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.lastState[slot]; ok && prev != state {
		m.slotState.DeleteLabelValues(label, prev)
	}
	m.lastState[slot] = state
	m.slotState.WithLabelValues(label, state).Set(1)
}

// SlotStalled counts a saturated-pool stall for slot.
func (m *Metrics) SlotStalled(slot int) {
	m.slotStalls.WithLabelValues(strconv.Itoa(slot)).Inc()
}

// SlotFailed counts a slot failure by error code.
func (m *Metrics) SlotFailed(code string) { m.slotFailures.WithLabelValues(code).Inc() }

// StaleCommand counts a command rejected by a quit context.
func (m *Metrics) StaleCommand(context string) { m.staleCommands.WithLabelValues(context).Inc() }

// SlowCommand counts a command over the tick budget.
func (m *Metrics) SlowCommand(context string, _ time.Duration) {
	m.slowCommands.WithLabelValues(context).Inc()
}

// ObserveStop records how long a slot took to stop.
func (m *Metrics) ObserveStop(d time.Duration) { m.stopDuration.Observe(d.Seconds()) }

// SetBandwidthEstimate records the shared meter estimate.
func (m *Metrics) SetBandwidthEstimate(bps float64) { m.bandwidthEstimate.Set(bps) }

// Handler serves the registry. refresh runs before each scrape to update
// gauges from live state.
func (m *Metrics) Handler(refresh func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		inner.ServeHTTP(w, r)
	})
}
