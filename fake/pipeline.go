// Package fake
// Author: momentics <momentics@gmail.com>
//
// Simulated pipeline component. It behaves like a player as far as the
// coordinator's resources are concerned: it fetches media at its paced share
// of bandwidth, holds segments for what is buffered, plays buffered media in
// real time and reports Idle, Buffering, Ready and Ended. No decoding or
// rendering happens.

package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/mediagrid/api"
)

// Config shapes the simulated media.
type Config struct {
	// MsPerSegment is how much media one segment holds.
	MsPerSegment int64
	// SegmentsPerFetch is how many segments one fetch brings in.
	SegmentsPerFetch int
	// Tick is the playback clock resolution.
	Tick time.Duration
	// DefaultDurationMs is used when the media source has no duration.
	DefaultDurationMs int64
	// RetryAfter delays a fetch after the pool reported saturation.
	RetryAfter time.Duration
	Logger     *zap.Logger
}

// DefaultConfig returns a config suitable for demos.
func DefaultConfig() Config {
	return Config{
		MsPerSegment:      500,
		SegmentsPerFetch:  4,
		Tick:              20 * time.Millisecond,
		DefaultDurationMs: 60_000,
		RetryAfter:        100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MsPerSegment <= 0 {
		c.MsPerSegment = d.MsPerSegment
	}
	if c.SegmentsPerFetch <= 0 {
		c.SegmentsPerFetch = d.SegmentsPerFetch
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.DefaultDurationMs <= 0 {
		c.DefaultDurationMs = d.DefaultDurationMs
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = d.RetryAfter
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Factory creates simulated pipelines and keeps them for inspection.
type Factory struct {
	cfg Config

	mu        sync.Mutex
	pipelines []*Pipeline
}

// NewFactory returns a factory producing pipelines shaped by cfg.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg.withDefaults()}
}

// Create implements api.PipelineFactory.
func (f *Factory) Create(b api.PipelineBinding) (api.PipelineHandle, error) {
	if b.Segments == nil || b.Policy == nil || b.Context == nil || b.Events == nil {
		return nil, api.ErrInvalidArgument.WithContext("slot", b.Index)
	}
	duration := b.Source.DurationMs
	if duration <= 0 {
		duration = f.cfg.DefaultDurationMs
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        f.cfg,
		b:          b,
		log:        f.cfg.Logger.Named("pipeline").With(zap.Int("slot", b.Index)),
		durationMs: duration,
		ctx:        ctx,
		cancel:     cancel,
		state:      api.PlaybackIdle,
	}
	f.mu.Lock()
	f.pipelines = append(f.pipelines, p)
	f.mu.Unlock()
	return p, nil
}

// Pipelines returns every pipeline created so far.
func (f *Factory) Pipelines() []*Pipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Pipeline(nil), f.pipelines...)
}

// Info is a snapshot of a pipeline.
type Info struct {
	Slot          int
	State         api.PlaybackState
	Muted         bool
	StartOffsetMs int64
	PositionMs    int64
	BufferedMs    int64
	Segments      int
	Loops         int
	Stalls        int
	Released      bool
	Failed        bool
}

// Pipeline is one simulated player. Every method except Info runs on the
// pipeline's execution context.
type Pipeline struct {
	cfg        Config
	b          api.PipelineBinding
	log        *zap.Logger
	durationMs int64
	ctx        context.Context
	cancel     context.CancelFunc

	// guarded by mu for Info; written only on the execution context
	mu          sync.Mutex
	state       api.PlaybackState
	muted       bool
	offsetMs    int64
	positionMs  int64 // playhead
	loadedMs    int64 // media fetched up to here
	consumedMs  int64 // playback progress into the head segment
	segs        []api.Segment
	rebuffering bool
	fetching    bool
	prepared    bool
	released    bool
	failed      bool
	loops       int
	stalls      int
	timer       *time.Timer
}

// SetStartOffset seeks before Prepare.
func (p *Pipeline) SetStartOffset(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ms < 0 {
		ms = 0
	}
	ms %= p.durationMs
	p.offsetMs, p.positionMs, p.loadedMs = ms, ms, ms
}

// SetMuted toggles audio output.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Prepare starts buffering and the playback clock.
func (p *Pipeline) Prepare() {
	p.mu.Lock()
	if p.prepared || p.released {
		p.mu.Unlock()
		return
	}
	p.prepared = true
	p.mu.Unlock()

	p.emit(api.StateChange{Slot: p.b.Index, State: api.PlaybackIdle})
	p.setState(api.PlaybackBuffering)
	p.tick()
}

// Release stops playback and hands every segment back.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	if p.timer != nil {
		p.timer.Stop()
	}
	segs := p.segs
	p.segs = nil
	p.state = api.PlaybackIdle
	p.mu.Unlock()

	p.cancel()
	p.b.Segments.Release(segs)
	p.log.Debug("released", zap.Int("segments", len(segs)))
}

// Info returns a snapshot; safe from any goroutine.
func (p *Pipeline) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Slot:          p.b.Index,
		State:         p.state,
		Muted:         p.muted,
		StartOffsetMs: p.offsetMs,
		PositionMs:    p.positionMs,
		BufferedMs:    p.loadedMs - p.positionMs,
		Segments:      len(p.segs),
		Loops:         p.loops,
		Stalls:        p.stalls,
		Released:      p.released,
		Failed:        p.failed,
	}
}

func (p *Pipeline) emit(ev api.StateChange) {
	if p.ctx.Err() != nil {
		return
	}
	select {
	case p.b.Events <- ev:
	case <-p.ctx.Done():
	}
}

func (p *Pipeline) setState(s api.PlaybackState) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()
	if changed {
		p.emit(api.StateChange{Slot: p.b.Index, State: s})
	}
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	p.failed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.log.Warn("pipeline failed", zap.Error(err))
	p.emit(api.StateChange{Slot: p.b.Index, Err: err})
}

// schedule runs fn on the pipeline's context after d.
func (p *Pipeline) schedule(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released || p.failed {
		return
	}
	p.timer = time.AfterFunc(d, func() {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.b.Context.Post(fn); err != nil {
			p.log.Debug("tick dropped", zap.Error(err))
		}
	})
}

// tick advances the playback clock by one Tick and decides whether to fetch.
func (p *Pipeline) tick() {
	p.mu.Lock()
	if p.released || p.failed {
		p.mu.Unlock()
		return
	}
	state := p.state
	buffered := p.loadedMs - p.positionMs
	eos := p.loadedMs >= p.durationMs
	rebuffering := p.rebuffering
	p.mu.Unlock()

	switch state {
	case api.PlaybackBuffering:
		if p.b.Policy.ShouldStartPlayback(buffered, rebuffering, eos) {
			p.setState(api.PlaybackReady)
		}
	case api.PlaybackReady:
		if done := p.play(p.cfg.Tick.Milliseconds()); done {
			return
		}
	}

	p.maybeFetch()
	p.schedule(p.cfg.Tick, p.tick)
}

// play consumes dt of media. It returns true once playback has ended.
func (p *Pipeline) play(dt int64) bool {
	p.mu.Lock()
	step := min(dt, p.loadedMs-p.positionMs)
	p.positionMs += step
	p.consumedMs += step
	var spent []api.Segment
	for p.consumedMs >= p.cfg.MsPerSegment && len(p.segs) > 0 {
		spent = append(spent, p.segs[0])
		p.segs = p.segs[1:]
		p.consumedMs -= p.cfg.MsPerSegment
	}
	atEnd := p.positionMs >= p.durationMs
	loop := p.b.Source.Loop
	starved := !atEnd && p.positionMs >= p.loadedMs
	if atEnd && loop {
		p.positionMs, p.loadedMs, p.consumedMs = 0, 0, 0
		spent = append(spent, p.segs...)
		p.segs = nil
		p.loops++
	}
	if starved {
		p.rebuffering = true
	}
	p.mu.Unlock()

	if len(spent) > 0 {
		p.b.Segments.Release(spent)
	}
	switch {
	case atEnd && !loop:
		p.setState(api.PlaybackEnded)
		return true
	case atEnd:
		p.setState(api.PlaybackBuffering)
	case starved:
		p.setState(api.PlaybackBuffering)
	}
	return false
}

// maybeFetch starts one paced fetch off the context when the policy asks for
// more data. The fetched segments are claimed back on the context.
func (p *Pipeline) maybeFetch() {
	p.mu.Lock()
	buffered := p.loadedMs - p.positionMs
	if p.fetching || p.loadedMs >= p.durationMs || !p.b.Policy.ShouldContinueLoading(buffered) {
		p.mu.Unlock()
		return
	}
	p.fetching = true
	p.mu.Unlock()

	n := p.cfg.SegmentsPerFetch
	bytes := n * p.b.Segments.SegmentSize()
	go func() {
		start := time.Now()
		if p.b.Pacer != nil {
			if err := p.b.Pacer.WaitN(p.ctx, bytes); err != nil {
				if p.ctx.Err() == nil {
					p.log.Debug("fetch pacing failed", zap.Error(err))
					_ = p.b.Context.Post(p.fetchDone)
				}
				return
			}
		}
		elapsed := time.Since(start)
		if p.ctx.Err() != nil {
			return
		}
		if err := p.b.Context.Post(func() { p.onFetched(n, bytes, elapsed) }); err != nil {
			p.log.Debug("fetch result dropped", zap.Error(err))
		}
	}()
}

func (p *Pipeline) fetchDone() {
	p.mu.Lock()
	p.fetching = false
	p.mu.Unlock()
}

// onFetched claims segments for a completed fetch.
func (p *Pipeline) onFetched(n, bytes int, elapsed time.Duration) {
	p.mu.Lock()
	if p.released || p.failed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	segs, err := p.b.Segments.Allocate(n)
	switch {
	case errors.Is(err, api.ErrPoolSaturated):
		p.mu.Lock()
		p.stalls++
		p.mu.Unlock()
		p.emit(api.StateChange{Slot: p.b.Index, State: api.PlaybackBuffering, Err: err})
		// keep fetching set so the next tick does not retry at once
		time.AfterFunc(p.cfg.RetryAfter, func() {
			if p.ctx.Err() == nil {
				_ = p.b.Context.Post(p.fetchDone)
			}
		})
		return
	case err != nil:
		p.fetchDone()
		p.fail(err)
		return
	}
	defer p.fetchDone()
	if p.b.Meter != nil {
		p.b.Meter.Sample(int64(bytes), max(elapsed, time.Millisecond))
	}

	p.mu.Lock()
	p.segs = append(p.segs, segs...)
	p.loadedMs = min(p.loadedMs+int64(n)*p.cfg.MsPerSegment, p.durationMs)
	p.mu.Unlock()
}
