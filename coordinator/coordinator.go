// File: coordinator/coordinator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Coordinator composes segment pools, buffer policies, execution contexts and
// a bandwidth budget for N pipelines according to a SharingPolicy.
//
// The goroutine calling Configure, StartAll, StopOne and StopAll is the owning
// timeline. Everything that touches a running pipeline is posted to the
// pipeline's execution context.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/bandwidth"
	"github.com/momentics/mediagrid/buffering"
	"github.com/momentics/mediagrid/control"
	"github.com/momentics/mediagrid/internal/concurrency"
	"github.com/momentics/mediagrid/pool"
)

const instrumentationName = "github.com/momentics/mediagrid/coordinator"

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records pool, slot and context series into m.
func WithMetrics(m *control.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithProbes registers debug probes for pools, contexts and slots.
func WithProbes(dp api.Debug) Option { return func(c *Coordinator) { c.probes = dp } }

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithMeter injects the shared bandwidth meter.
func WithMeter(m *bandwidth.Meter) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.meter = m
		}
	}
}

// WithMemoryAllocator backs every pool with a.
func WithMemoryAllocator(a pool.MemoryAllocator) Option {
	return func(c *Coordinator) { c.memAlloc = a }
}

// Coordinator owns the lifecycle of N pipeline slots.
type Coordinator struct {
	cfg      Config
	factory  api.PipelineFactory
	log      *zap.Logger
	metrics  *control.Metrics
	probes   api.Debug
	tracer   trace.Tracer
	meter    *bandwidth.Meter
	memAlloc pool.MemoryAllocator

	mu         sync.Mutex
	policy     SharingPolicy
	n          int
	configured bool
	started    bool
	runID      string
	slots      []*slot
	pools      []*pool.SegmentPool
	contexts   []*concurrency.EventLoop
	shared     *concurrency.EventLoop
	budget     *bandwidth.Budget
	probeNames []string

	events     chan api.StateChange
	eventsQuit chan struct{}
	eventsDone chan struct{}
}

// New validates cfg and creates an unconfigured coordinator.
func New(cfg Config, factory api.PipelineFactory, opts ...Option) (*Coordinator, error) {
	if factory == nil {
		return nil, api.Configurationf("pipeline factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:     cfg.withDefaults(),
		factory: factory,
		log:     zap.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.meter == nil {
		c.meter = bandwidth.NewMeter(0, 0)
	}
	c.log = c.log.Named("coordinator")
	return c, nil
}

// Meter returns the shared bandwidth meter.
func (c *Coordinator) Meter() *bandwidth.Meter { return c.meter }

// Configure validates policy and n. Nothing is allocated until StartAll.
func (c *Coordinator) Configure(policy SharingPolicy, n int) error {
	if n < 1 {
		return api.Configurationf("slot count must be at least 1, got %d", n)
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if c.cfg.RestrictAudio && c.cfg.AudioOwner >= n {
		return api.Configurationf("audio owner %d outside [0, %d)", c.cfg.AudioOwner, n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return api.ErrAlreadyStarted.WithContext("run", c.runID)
	}
	c.policy, c.n, c.configured = policy, n, true
	c.log.Info("configured", zap.Stringer("policy", policy), zap.Int("slots", n))
	return nil
}

// Policy returns the configured policy and slot count.
func (c *Coordinator) Policy() (SharingPolicy, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy, c.n
}

// StartAll builds every resource, creates the pipelines and begins playback.
// On failure nothing is left running.
func (c *Coordinator) StartAll(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return api.ErrNotConfigured
	}
	if c.started {
		return api.ErrAlreadyStarted.WithContext("run", c.runID)
	}

	runID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "coordinator.StartAll", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("policy", c.policy.String()),
		attribute.Int("slots", c.n),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := c.log.With(zap.String("run", runID))
	if err := c.build(runID); err != nil {
		c.teardown(ctx)
		return err
	}

	c.events = make(chan api.StateChange, c.cfg.EventBuffer)
	c.eventsQuit = make(chan struct{})
	c.eventsDone = make(chan struct{})
	go c.consumeEvents(c.slots, c.events, c.eventsQuit, c.eventsDone)

	for _, s := range c.slots {
		h, err := c.factory.Create(api.PipelineBinding{
			Index:             s.index,
			Segments:          s.lease,
			Policy:            s.policy,
			Context:           s.ctx,
			BandwidthFraction: s.fraction,
			Pacer:             s.limiter,
			Meter:             c.meter,
			Source:            c.cfg.Source,
			Events:            c.events,
		})
		if err != nil {
			log.Error("pipeline creation failed", zap.Int("slot", s.index), zap.Error(err))
			c.teardown(ctx)
			return fmt.Errorf("create pipeline for slot %d: %w", s.index, err)
		}
		s.handle = h
	}

	for _, s := range c.slots {
		s := s
		c.setState(s, SlotStarting, nil)
		if err := s.ctx.Post(func() {
			s.handle.SetStartOffset(s.startOffsetMs)
			s.handle.SetMuted(s.muted)
			s.handle.Prepare()
		}); err != nil {
			c.teardown(ctx)
			return fmt.Errorf("start slot %d: %w", s.index, err)
		}
	}

	c.runID = runID
	c.started = true
	c.registerProbes()
	log.Info("started",
		zap.Stringer("policy", c.policy),
		zap.Int("slots", c.n),
		zap.Int("pools", len(c.pools)),
		zap.Int("contexts", len(c.contexts)),
		zap.Float64("fraction", c.budget.FractionFor(0)))
	return nil
}

// build instantiates pools, policies and contexts per the sharing policy.
func (c *Coordinator) build(runID string) error {
	budget, err := bandwidth.NewBudget(c.cfg.BaseBandwidthFraction, c.n)
	if err != nil {
		return err
	}
	c.budget = budget

	var (
		sharedPool   *pool.SegmentPool
		sharedPolicy *buffering.Policy
	)
	if c.policy.SharePool {
		if sharedPool, err = c.newPool("pool-shared"); err != nil {
			return err
		}
		c.pools = append(c.pools, sharedPool)
	}
	if c.policy.ShareBufferPolicy {
		if sharedPolicy, err = buffering.New("policy-shared", c.cfg.Thresholds, sharedPool); err != nil {
			return err
		}
	}
	if c.policy.ShareContext {
		c.shared = c.newContext("ctx-shared-" + runID[:8])
		if err := c.shared.Start(); err != nil {
			return err
		}
		c.contexts = append(c.contexts, c.shared)
	}

	for i := 0; i < c.n; i++ {
		s := &slot{
			index:         i,
			fraction:      budget.FractionFor(i),
			startOffsetMs: StartOffset(i, c.n, c.cfg.BaselineDurationMs),
			muted:         c.cfg.RestrictAudio && i != c.cfg.AudioOwner,
		}
		if sharedPool != nil {
			s.pool = sharedPool
		} else {
			if s.pool, err = c.newPool(fmt.Sprintf("pool-%d", i)); err != nil {
				return err
			}
			s.ownsPool = true
			c.pools = append(c.pools, s.pool)
		}
		if sharedPolicy != nil {
			s.policy = sharedPolicy
		} else if s.policy, err = buffering.New(fmt.Sprintf("policy-%d", i), c.cfg.Thresholds, s.pool); err != nil {
			return err
		}
		if c.shared != nil {
			s.ctx = c.shared
		} else {
			s.ctx = c.newContext(fmt.Sprintf("ctx-%d-%s", i, runID[:8]))
			if err := s.ctx.Start(); err != nil {
				return err
			}
			s.ownsContext = true
			c.contexts = append(c.contexts, s.ctx)
		}
		s.lease = s.pool.NewLease(s.name())
		s.limiter = budget.Limiter(i, c.meter, c.cfg.SegmentSize)
		c.slots = append(c.slots, s)
	}
	return nil
}

func (c *Coordinator) newPool(name string) (*pool.SegmentPool, error) {
	cfg := pool.Config{
		Name:          name,
		SegmentSize:   c.cfg.SegmentSize,
		TrimOnRelease: c.cfg.TrimOnRelease,
		MaxSegments:   c.cfg.MaxSegmentsPerPool,
		Allocator:     c.memAlloc,
		Logger:        c.log,
	}
	if c.metrics != nil {
		cfg.OnTrim = c.metrics.AddTrimmed
	}
	return pool.NewSegmentPool(cfg)
}

func (c *Coordinator) newContext(name string) *concurrency.EventLoop {
	opts := concurrency.LoopOptions{
		Name:     name,
		Priority: c.cfg.Priority,
		Logger:   c.log,
	}
	if c.metrics != nil {
		opts.OnStale = c.metrics.StaleCommand
		opts.OnSlow = c.metrics.SlowCommand
	}
	return concurrency.NewEventLoop(opts)
}

// teardown undoes a partial StartAll. Caller holds c.mu.
func (c *Coordinator) teardown(ctx context.Context) {
	for _, s := range c.slots {
		if s.handle == nil {
			s.lease.Close()
			continue
		}
		h, lease := s.handle, s.lease
		release := func() {
			h.Release()
			lease.Close()
		}
		err := s.ctx.PostAndWait(ctx, release)
		switch {
		case err == nil:
		case errors.Is(err, api.ErrContextClosed):
			release()
		default:
			// Still queued; the draining quit below runs it on the context.
			c.log.Warn("rollback release left queued", zap.Int("slot", s.index), zap.Error(err))
		}
	}
	for _, el := range c.contexts {
		el.Quit(true)
	}
	for _, p := range c.pools {
		p.SetTargetFreeCount(0)
	}
	if c.eventsQuit != nil {
		close(c.eventsQuit)
		<-c.eventsDone
	}
	c.reset()
}

// reset forgets the run. Caller holds c.mu.
func (c *Coordinator) reset() {
	c.slots, c.pools, c.contexts = nil, nil, nil
	c.shared, c.budget = nil, nil
	c.events, c.eventsQuit, c.eventsDone = nil, nil, nil
	c.started = false
}

func (c *Coordinator) slot(index int) (*slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, api.ErrNotStarted
	}
	if index < 0 || index >= len(c.slots) {
		return nil, api.ErrSlotOutOfRange.WithContext("index", index).WithContext("slots", len(c.slots))
	}
	return c.slots[index], nil
}

// StopOne releases exactly slot index. Stopping a stopped slot is a no-op.
func (c *Coordinator) StopOne(ctx context.Context, index int) error {
	s, err := c.slot(index)
	if err != nil {
		return err
	}
	return c.stopSlot(ctx, s)
}

func (c *Coordinator) stopSlot(ctx context.Context, s *slot) (err error) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.State() == SlotStopped {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.StopOne", trace.WithAttributes(
		attribute.Int("slot", s.index),
		attribute.String("context", s.ctx.Name()),
		attribute.String("pool", s.pool.Name()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	before := s.pool.AllocatedCount()
	var released int
	release := func() {
		s.handle.Release()
		released = s.lease.Close()
	}
	// Runs after any allocation already queued on the slot's context.
	if err := s.ctx.PostAndWait(ctx, release); err != nil {
		if !errors.Is(err, api.ErrContextClosed) {
			return fmt.Errorf("stop slot %d: %w", s.index, err)
		}
		// The context is gone, so nothing else can touch the pipeline.
		c.log.Warn("slot context already quit, releasing inline", zap.Int("slot", s.index))
		release()
	}
	if s.ownsPool {
		s.pool.SetTargetFreeCount(0)
	}
	if s.ownsContext {
		s.ctx.Quit(c.cfg.DrainOnQuit)
	}
	c.setState(s, SlotStopped, nil)
	if c.metrics != nil {
		c.metrics.ObserveStop(time.Since(start))
	}
	c.log.Info("slot stopped",
		zap.Int("slot", s.index),
		zap.Int("released", released),
		zap.Int("pool_allocated_before", before),
		zap.Int64("pool_bytes", s.pool.TotalBytesAllocated()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// StopAll stops every slot, quits the shared context once and trims every
// pool to zero. The coordinator can be started again afterwards.
func (c *Coordinator) StopAll(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.StopAll", trace.WithAttributes(
		attribute.String("run.id", c.runID),
		attribute.Int("slots", len(c.slots)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range c.slots {
		s := s
		g.Go(func() error { return c.stopSlot(gctx, s) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if c.shared != nil {
		c.shared.Quit(c.cfg.DrainOnQuit)
	}
	for _, p := range c.pools {
		p.SetTargetFreeCount(0)
	}
	close(c.eventsQuit)
	<-c.eventsDone

	var total int64
	for _, p := range c.pools {
		total += p.TotalBytesAllocated()
	}
	c.unregisterProbes()
	if c.metrics != nil {
		c.refreshMetricsLocked()
	}
	c.log.Info("stopped", zap.String("run", c.runID), zap.Int64("bytes", total))
	c.reset()
	return nil
}

// consumeEvents turns pipeline notifications into slot state, logs and
// metrics. It never drives a pipeline.
// slots is fixed for the run, so no coordinator lock is taken here; StopAll
// holds that lock while pipelines may still be sending.
func (c *Coordinator) consumeEvents(slots []*slot, events <-chan api.StateChange, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-events:
			c.handleEvent(slots, ev)
		case <-quit:
			for {
				select {
				case ev := <-events:
					c.handleEvent(slots, ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) handleEvent(slots []*slot, ev api.StateChange) {
	if ev.Slot < 0 || ev.Slot >= len(slots) {
		c.log.Warn("event for unknown slot", zap.Int("slot", ev.Slot))
		return
	}
	s := slots[ev.Slot]

	switch {
	case ev.Err == nil:
		to, ok := slotStateFor(ev.State)
		if !ok {
			c.log.Debug("pipeline idle", zap.Int("slot", s.index))
			return
		}
		c.setState(s, to, nil)
	case errors.Is(ev.Err, api.ErrPoolSaturated):
		s.mu.Lock()
		s.stalls++
		s.mu.Unlock()
		if c.metrics != nil {
			c.metrics.SlotStalled(s.index)
		}
		c.log.Debug("slot stalled on saturated pool", zap.Int("slot", s.index), zap.String("pool", s.pool.Name()))
		c.setState(s, SlotBuffering, nil)
	default:
		if _, ok := c.setState(s, SlotFailed, ev.Err); ok && c.metrics != nil {
			code := api.ErrCodeInternal
			var ae *api.Error
			if errors.As(ev.Err, &ae) {
				code = ae.Code
			}
			c.metrics.SlotFailed(code.String())
		}
	}
}

func slotStateFor(ps api.PlaybackState) (SlotState, bool) {
	switch ps {
	case api.PlaybackBuffering:
		return SlotBuffering, true
	case api.PlaybackReady:
		return SlotReady, true
	case api.PlaybackEnded:
		return SlotEnded, true
	default:
		return 0, false
	}
}

func (c *Coordinator) setState(s *slot, to SlotState, err error) (SlotState, bool) {
	from, ok := s.transition(to, err)
	if !ok {
		return from, false
	}
	if c.metrics != nil {
		c.metrics.SlotTransition(s.index, to.String())
	}
	fields := []zap.Field{
		zap.Int("slot", s.index),
		zap.Stringer("from", from),
		zap.Stringer("state", to),
	}
	if err != nil {
		c.log.Error("slot failed", append(fields, zap.Error(err))...)
	} else {
		c.log.Debug("slot transition", fields...)
	}
	return from, true
}

// SlotState returns the state of slot index.
func (c *Coordinator) SlotState(index int) (SlotState, error) {
	s, err := c.slot(index)
	if err != nil {
		return 0, err
	}
	return s.State(), nil
}

// Started reports whether slots are live.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
