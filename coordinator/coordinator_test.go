package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/buffering"
	"github.com/momentics/mediagrid/control"
	"github.com/momentics/mediagrid/coordinator"
	"github.com/momentics/mediagrid/pool"
)

const segSize = 1024

// stubPipeline allocates index+1 segments on Prepare and reports Ready.
type stubPipeline struct {
	b     api.PipelineBinding
	count int

	mu       sync.Mutex
	segs     []api.Segment
	offset   int64
	muted    bool
	prepared bool
	released bool
	releases int
	// onRelease runs inside Release.
	onRelease func()
}

func (p *stubPipeline) SetStartOffset(ms int64) {
	p.mu.Lock()
	p.offset = ms
	p.mu.Unlock()
}

func (p *stubPipeline) SetMuted(m bool) {
	p.mu.Lock()
	p.muted = m
	p.mu.Unlock()
}

func (p *stubPipeline) Prepare() {
	p.mu.Lock()
	p.prepared = true
	p.mu.Unlock()

	p.b.Events <- api.StateChange{Slot: p.b.Index, State: api.PlaybackIdle}
	segs, err := p.b.Segments.Allocate(p.count)
	if err != nil {
		p.b.Events <- api.StateChange{Slot: p.b.Index, State: api.PlaybackBuffering, Err: err}
		return
	}
	p.mu.Lock()
	p.segs = segs
	p.mu.Unlock()
	p.b.Events <- api.StateChange{Slot: p.b.Index, State: api.PlaybackBuffering}
	p.b.Events <- api.StateChange{Slot: p.b.Index, State: api.PlaybackReady}
}

func (p *stubPipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	p.releases++
	if p.onRelease != nil {
		p.onRelease()
	}
	p.b.Segments.Release(p.segs)
	p.segs = nil
}

func (p *stubPipeline) snapshot() (offset int64, muted, released bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset, p.muted, p.released
}

type stubFactory struct {
	mu        sync.Mutex
	pipelines map[int]*stubPipeline
	counts    map[int]int
	failAt    int
	// onCreate runs for every created pipeline before it is returned.
	onCreate func(p *stubPipeline)
}

func newStubFactory() *stubFactory {
	return &stubFactory{pipelines: map[int]*stubPipeline{}, counts: map[int]int{}, failAt: -1}
}

func (f *stubFactory) Create(b api.PipelineBinding) (api.PipelineHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.Index == f.failAt {
		return nil, errors.New("decoder unavailable")
	}
	count, ok := f.counts[b.Index]
	if !ok {
		count = b.Index + 1
	}
	p := &stubPipeline{b: b, count: count}
	f.pipelines[b.Index] = p
	if f.onCreate != nil {
		f.onCreate(p)
	}
	return p, nil
}

func (f *stubFactory) get(i int) *stubPipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipelines[i]
}

func (f *stubFactory) poolOf(i int) *pool.SegmentPool {
	return f.get(i).b.Segments.(*pool.Lease).Pool()
}

func testConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.SegmentSize = segSize
	cfg.Priority = api.PriorityDefault
	return cfg
}

func newCoordinator(t *testing.T, cfg coordinator.Config, f api.PipelineFactory, opts ...coordinator.Option) *coordinator.Coordinator {
	t.Helper()
	opts = append([]coordinator.Option{coordinator.WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := coordinator.New(cfg, f, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.StopAll(context.Background()) })
	return c
}

func waitForState(t *testing.T, c *coordinator.Coordinator, slot int, want coordinator.SlotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := c.SlotState(slot)
		return err == nil && s == want
	}, 5*time.Second, time.Millisecond, "slot %d never reached %s", slot, want)
}

func TestConfigure_SharedPolicyNeedsSharedPoolAndContext(t *testing.T) {
	c := newCoordinator(t, testConfig(), newStubFactory())
	for n := 1; n <= 32; n++ {
		err := c.Configure(coordinator.SharingPolicy{ShareBufferPolicy: true, SharePool: false, ShareContext: true}, n)
		require.ErrorIs(t, err, api.ErrConfiguration, "n=%d", n)
		err = c.Configure(coordinator.SharingPolicy{ShareBufferPolicy: true, SharePool: true, ShareContext: false}, n)
		require.ErrorIs(t, err, api.ErrConfiguration, "n=%d", n)
	}
	require.ErrorIs(t, c.Configure(coordinator.PolicyShared, 0), api.ErrConfiguration)
	require.ErrorIs(t, c.StartAll(context.Background()), api.ErrNotConfigured, "failed configure must not apply")

	for _, name := range coordinator.PresetNames() {
		p, err := coordinator.ParseSharingPolicy(name)
		require.NoError(t, err)
		require.NoError(t, c.Configure(p, 9), name)
	}
}

func TestCoordinator_OperationsBeforeStart(t *testing.T) {
	c := newCoordinator(t, testConfig(), newStubFactory())
	assert.ErrorIs(t, c.StartAll(context.Background()), api.ErrNotConfigured)
	assert.ErrorIs(t, c.StopOne(context.Background(), 0), api.ErrNotStarted)
	assert.NoError(t, c.StopAll(context.Background()))
	assert.Zero(t, c.MetricsSnapshot().TotalBytes)

	_, err := coordinator.New(testConfig(), nil)
	assert.ErrorIs(t, err, api.ErrConfiguration)
	bad := testConfig()
	bad.Thresholds.BufferForPlaybackMs = bad.Thresholds.MaxBufferMs + 1
	_, err = coordinator.New(bad, newStubFactory())
	assert.ErrorIs(t, err, api.ErrConfiguration)
}

func TestScenario_NineSlotsFullyShared(t *testing.T) {
	f := newStubFactory()
	c := newCoordinator(t, testConfig(), f)
	require.NoError(t, c.Configure(coordinator.PolicyShared, 9))
	require.NoError(t, c.StartAll(context.Background()))
	require.ErrorIs(t, c.StartAll(context.Background()), api.ErrAlreadyStarted)
	require.ErrorIs(t, c.Configure(coordinator.PolicyIsolated, 3), api.ErrAlreadyStarted)

	for i := 0; i < 9; i++ {
		waitForState(t, c, i, coordinator.SlotReady)
	}
	shared := f.poolOf(0)
	sharedCtx := f.get(0).b.Context
	for i := 1; i < 9; i++ {
		require.Same(t, shared, f.poolOf(i))
		require.Same(t, f.get(0).b.Policy, f.get(i).b.Policy)
		require.Equal(t, sharedCtx.Name(), f.get(i).b.Context.Name())
	}
	require.Equal(t, 45, shared.AllocatedCount())

	require.NoError(t, c.StopOne(context.Background(), 4))
	assert.Equal(t, 40, shared.AllocatedCount(), "exactly slot 4's five segments return")
	st, err := c.SlotState(4)
	require.NoError(t, err)
	assert.Equal(t, coordinator.SlotStopped, st)
	for i := 0; i < 9; i++ {
		if i == 4 {
			continue
		}
		s, err := c.SlotState(i)
		require.NoError(t, err)
		assert.Equal(t, coordinator.SlotReady, s, "slot %d", i)
	}
	assert.True(t, sharedCtx.Running(), "shared context must survive a single stop")

	require.NoError(t, c.StopOne(context.Background(), 4))
	assert.Equal(t, 40, shared.AllocatedCount(), "second stop must be a no-op")

	require.NoError(t, c.StopAll(context.Background()))
	assert.Equal(t, int64(0), shared.TotalBytesAllocated())
	assert.False(t, sharedCtx.Running())
	assert.False(t, c.Started())
	for i := 0; i < 9; i++ {
		_, _, released := f.get(i).snapshot()
		assert.True(t, released, "slot %d", i)
	}
}

func TestScenario_NineSlotsIsolated(t *testing.T) {
	f := newStubFactory()
	c := newCoordinator(t, testConfig(), f)
	require.NoError(t, c.Configure(coordinator.PolicyIsolated, 9))
	require.NoError(t, c.StartAll(context.Background()))
	for i := 0; i < 9; i++ {
		waitForState(t, c, i, coordinator.SlotReady)
	}

	before := c.MetricsSnapshot()
	require.Len(t, before.Pools, 9)
	require.Len(t, before.Contexts, 9)
	assert.Equal(t, int64(45*segSize), before.TotalBytes)

	target := f.poolOf(3)
	contribution := target.TotalBytesAllocated()
	assert.Equal(t, int64(4*segSize), contribution)
	others := map[int]int64{}
	for i := 0; i < 9; i++ {
		if i != 3 {
			others[i] = f.poolOf(i).TotalBytesAllocated()
		}
	}

	require.NoError(t, c.StopOne(context.Background(), 3))
	after := c.MetricsSnapshot()
	assert.Equal(t, contribution, before.TotalBytes-after.TotalBytes)
	assert.Equal(t, int64(0), target.TotalBytesAllocated())
	for i, bytes := range others {
		assert.Equal(t, bytes, f.poolOf(i).TotalBytesAllocated(), "pool of slot %d", i)
		assert.True(t, f.get(i).b.Context.Running(), "context of slot %d", i)
	}
	assert.False(t, f.get(3).b.Context.Running(), "an owned context quits with its slot")

	require.NoError(t, c.StopAll(context.Background()))
	for i := 0; i < 9; i++ {
		assert.Equal(t, int64(0), f.poolOf(i).TotalBytesAllocated())
	}
}

func TestStartAll_StaggersOffsetsAndMutesNonOwners(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineDurationMs = 10_000
	cfg.AudioOwner = 2
	f := newStubFactory()
	c := newCoordinator(t, cfg, f)
	require.NoError(t, c.Configure(coordinator.PolicySharedPoolContext, 4))
	require.NoError(t, c.StartAll(context.Background()))
	for i := 0; i < 4; i++ {
		waitForState(t, c, i, coordinator.SlotReady)
	}

	for i := 0; i < 4; i++ {
		offset, muted, _ := f.get(i).snapshot()
		assert.Equal(t, int64(i)*2_000, offset, "slot %d", i)
		assert.Equal(t, i != 2, muted, "slot %d", i)
		assert.InDelta(t, 0.7/4, f.get(i).b.BandwidthFraction, 1e-12)
	}
	// shared pool, separate policies
	assert.Same(t, f.poolOf(0), f.poolOf(3))
	assert.NotSame(t, f.get(0).b.Policy, f.get(3).b.Policy)

	slots := c.Slots()
	require.Len(t, slots, 4)
	assert.Equal(t, 1, slots[3].Row)
	assert.Equal(t, 1, slots[3].Column)
	assert.False(t, slots[0].OwnsPool)
	assert.False(t, slots[0].OwnsContext)
}

func TestStartAll_RollsBackWhenCreateFails(t *testing.T) {
	f := newStubFactory()
	f.failAt = 2
	c := newCoordinator(t, testConfig(), f)
	require.NoError(t, c.Configure(coordinator.PolicyIsolated, 4))

	err := c.StartAll(context.Background())
	require.Error(t, err)
	assert.False(t, c.Started())
	for i := 0; i < 2; i++ {
		_, _, released := f.get(i).snapshot()
		assert.True(t, released, "slot %d", i)
		assert.False(t, f.get(i).b.Context.Running())
	}

	f.mu.Lock()
	f.failAt = -1
	f.mu.Unlock()
	require.NoError(t, c.StartAll(context.Background()), "coordinator must be reusable after rollback")
	waitForState(t, c, 3, coordinator.SlotReady)
}

func TestStartAll_RollbackReleasesOnSlotContext(t *testing.T) {
	gate := make(chan struct{})
	var gateOpen atomic.Bool
	var releasedBeforeGate atomic.Bool

	f := newStubFactory()
	f.failAt = 2
	f.onCreate = func(p *stubPipeline) {
		p.onRelease = func() {
			if !gateOpen.Load() {
				releasedBeforeGate.Store(true)
			}
		}
		if p.b.Index == 0 {
			// Occupies slot 0's context until the gate opens.
			require.NoError(t, p.b.Context.Post(func() { <-gate }))
		}
	}
	c := newCoordinator(t, testConfig(), f)
	require.NoError(t, c.Configure(coordinator.PolicyIsolated, 4))

	go func() {
		time.Sleep(50 * time.Millisecond)
		gateOpen.Store(true)
		close(gate)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.StartAll(ctx))
	assert.False(t, c.Started())
	assert.False(t, releasedBeforeGate.Load(), "release must wait behind commands already queued on the slot context")

	for i := 0; i < 2; i++ {
		p := f.get(i)
		p.mu.Lock()
		assert.Equal(t, 1, p.releases, "slot %d", i)
		p.mu.Unlock()
		assert.False(t, p.b.Context.Running())
	}
}

func TestResourceExhaustion_FailsOnlyThatSlot(t *testing.T) {
	f := newStubFactory()
	f.counts[4] = 1_000
	m := control.NewMetrics()
	c := newCoordinator(t, testConfig(), f,
		coordinator.WithMemoryAllocator(pool.NewLimitAllocator(200*segSize, nil)),
		coordinator.WithMetrics(m))
	require.NoError(t, c.Configure(coordinator.PolicyShared, 9))
	require.NoError(t, c.StartAll(context.Background()))

	waitForState(t, c, 4, coordinator.SlotFailed)
	for i := 0; i < 9; i++ {
		if i != 4 {
			waitForState(t, c, i, coordinator.SlotReady)
		}
	}
	detail := c.Slots()[4]
	assert.Contains(t, detail.Error, "resource exhausted")
	assert.Equal(t, float64(1), counterValue(t, m, "mediagrid_slot_failures_total"))

	require.NoError(t, c.StopOne(context.Background(), 4))
	st, _ := c.SlotState(4)
	assert.Equal(t, coordinator.SlotStopped, st)
}

func TestSaturatedPool_StallsInsteadOfFailing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSegmentsPerPool = 3
	f := newStubFactory()
	m := control.NewMetrics()
	c := newCoordinator(t, cfg, f, coordinator.WithMetrics(m))
	require.NoError(t, c.Configure(coordinator.PolicyIsolated, 5))
	require.NoError(t, c.StartAll(context.Background()))

	for i := 0; i < 3; i++ {
		waitForState(t, c, i, coordinator.SlotReady)
	}
	require.Eventually(t, func() bool {
		s := c.Slots()
		return s[3].Stalls == 1 && s[4].Stalls == 1
	}, 5*time.Second, time.Millisecond)
	for _, i := range []int{3, 4} {
		st, _ := c.SlotState(i)
		assert.Equal(t, coordinator.SlotBuffering, st)
	}
	assert.Equal(t, float64(2), counterValue(t, m, "mediagrid_slot_stalls_total"))
	assert.Zero(t, counterValue(t, m, "mediagrid_slot_failures_total"))
}

func TestStopOne_OutOfRange(t *testing.T) {
	c := newCoordinator(t, testConfig(), newStubFactory())
	require.NoError(t, c.Configure(coordinator.PolicyShared, 2))
	require.NoError(t, c.StartAll(context.Background()))
	assert.ErrorIs(t, c.StopOne(context.Background(), 2), api.ErrSlotOutOfRange)
	assert.ErrorIs(t, c.StopOne(context.Background(), -1), api.ErrSlotOutOfRange)
}

func TestStopAll_ThenRestart(t *testing.T) {
	f := newStubFactory()
	dp := control.NewDebugProbes()
	c := newCoordinator(t, testConfig(), f, coordinator.WithProbes(dp))
	require.NoError(t, c.Configure(coordinator.PolicySharedContext, 3))

	for round := 0; round < 2; round++ {
		require.NoError(t, c.StartAll(context.Background()))
		for i := 0; i < 3; i++ {
			waitForState(t, c, i, coordinator.SlotReady)
		}
		state := dp.DumpState()
		assert.Contains(t, state, "pool.pool-1")
		assert.Contains(t, state, "coordinator.slots")

		require.NoError(t, c.StopAll(context.Background()))
		assert.NotContains(t, dp.DumpState(), "coordinator.slots")
		assert.Zero(t, c.MetricsSnapshot().TotalBytes)
	}
}

func TestStopOne_HonorsContextDeadline(t *testing.T) {
	f := newStubFactory()
	c := newCoordinator(t, testConfig(), f)
	require.NoError(t, c.Configure(coordinator.PolicyShared, 2))
	require.NoError(t, c.StartAll(context.Background()))
	waitForState(t, c, 1, coordinator.SlotReady)

	gate := make(chan struct{})
	require.NoError(t, f.get(0).b.Context.Post(func() { <-gate }))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.StopOne(ctx, 1), context.DeadlineExceeded)
	close(gate)

	// the queued release still runs; a retry completes the stop
	require.NoError(t, c.StopOne(context.Background(), 1))
	st, _ := c.SlotState(1)
	assert.Equal(t, coordinator.SlotStopped, st)
}

func TestPolicyThresholdsReachPipelines(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds = buffering.Thresholds{
		MinBufferMs:                      1_000,
		MaxBufferMs:                      2_000,
		BufferForPlaybackMs:              100,
		BufferForPlaybackAfterRebufferMs: 200,
		PrioritizeTimeOverSize:           true,
	}
	f := newStubFactory()
	c := newCoordinator(t, cfg, f)
	require.NoError(t, c.Configure(coordinator.PolicyShared, 1))
	require.NoError(t, c.StartAll(context.Background()))
	waitForState(t, c, 0, coordinator.SlotReady)

	policy := f.get(0).b.Policy
	assert.True(t, policy.ShouldStartPlayback(100, false, false))
	assert.False(t, policy.ShouldContinueLoading(2_000))
}

// counterValue sums every series of the named family.
func counterValue(t *testing.T, m *control.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
	}
	return sum
}
