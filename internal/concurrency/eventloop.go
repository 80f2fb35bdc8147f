// File: internal/concurrency/eventloop.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop is a single-threaded command timeline. Commands run one at a time
// in FIFO order on a goroutine locked to its own OS thread, which carries the
// loop's scheduling priority. Quit either drains or discards what is queued.

package concurrency

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/mediagrid/api"
)

// DefaultSlowCommand is the command duration above which a tick is reported
// as late; pipelines carrying A/V sync need ticks well under 10ms.
const DefaultSlowCommand = 10 * time.Millisecond

type loopState int32

const (
	stateCreated loopState = iota
	stateRunning
	stateQuitting
	stateStopped
)

// LoopOptions configures an EventLoop.
type LoopOptions struct {
	Name     string
	Priority api.PriorityClass
	// PinCPU binds the loop thread to core CPU.
	PinCPU bool
	CPU    int
	Logger *zap.Logger
	// SlowCommand overrides DefaultSlowCommand; negative disables the check.
	SlowCommand time.Duration
	// OnStale is called for every command posted after Quit.
	OnStale func(loop string)
	// OnSlow is called for every command slower than SlowCommand.
	OnSlow func(loop string, took time.Duration)
}

// LoopStats is a snapshot of loop counters.
type LoopStats struct {
	Name      string `json:"name"`
	Priority  string `json:"priority"`
	Running   bool   `json:"running"`
	Pending   int    `json:"pending"`
	Executed  uint64 `json:"executed"`
	Discarded uint64 `json:"discarded"`
	Stale     uint64 `json:"stale"`
	Panics    uint64 `json:"panics"`
	Slow      uint64 `json:"slow"`
}

// EventLoop implements api.ExecutionContext.
type EventLoop struct {
	name     string
	priority api.PriorityClass
	cpu      int
	log      *zap.Logger
	slow     time.Duration
	onStale  func(string)
	onSlow   func(string, time.Duration)

	mu    sync.Mutex
	cond  *sync.Cond
	queue *queue.Queue // of api.Command
	state loopState
	drain bool
	done  chan struct{}

	executed  atomic.Uint64
	discarded atomic.Uint64
	stale     atomic.Uint64
	panics    atomic.Uint64
	slowCount atomic.Uint64
}

// NewEventLoop creates a stopped loop. Call Start before posting.
func NewEventLoop(opts LoopOptions) *EventLoop {
	if opts.Name == "" {
		opts.Name = "loop-" + uuid.NewString()[:8]
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SlowCommand == 0 {
		opts.SlowCommand = DefaultSlowCommand
	}
	el := &EventLoop{
		name:     opts.Name,
		priority: opts.Priority,
		cpu:      -1,
		log:      opts.Logger.Named("loop").With(zap.String("context", opts.Name)),
		slow:     opts.SlowCommand,
		onStale:  opts.OnStale,
		onSlow:   opts.OnSlow,
		queue:    queue.New(),
		done:     make(chan struct{}),
	}
	if opts.PinCPU {
		el.cpu = opts.CPU
	}
	el.cond = sync.NewCond(&el.mu)
	return el
}

// Name implements api.ExecutionContext.
func (el *EventLoop) Name() string { return el.name }

// Priority implements api.ExecutionContext.
func (el *EventLoop) Priority() api.PriorityClass { return el.priority }

// Start launches the loop goroutine and waits until it is ready.
func (el *EventLoop) Start() error {
	el.mu.Lock()
	switch el.state {
	case stateRunning:
		el.mu.Unlock()
		return nil
	case stateQuitting, stateStopped:
		el.mu.Unlock()
		return api.ErrContextClosed.WithContext("context", el.name)
	}
	el.state = stateRunning
	el.mu.Unlock()

	ready := make(chan struct{})
	go el.run(ready)
	<-ready
	return nil
}

func (el *EventLoop) run(ready chan<- struct{}) {
	// Never unlocked: the thread carries the loop's priority and CPU mask,
	// so it exits with the goroutine instead of returning to the scheduler.
	runtime.LockOSThread()
	defer close(el.done)

	if err := applyPriority(el.priority); err != nil {
		el.log.Warn("could not apply scheduling priority",
			zap.Stringer("priority", el.priority), zap.Error(err))
	}
	if err := pinThread(el.cpu); err != nil {
		el.log.Warn("could not bind loop thread", zap.Int("cpu", el.cpu), zap.Error(err))
	}
	el.log.Debug("loop started", zap.Stringer("priority", el.priority))
	close(ready)

	for {
		el.mu.Lock()
		for el.queue.Length() == 0 && el.state == stateRunning {
			el.cond.Wait()
		}
		if el.state != stateRunning && (!el.drain || el.queue.Length() == 0) {
			dropped := el.queue.Length()
			for el.queue.Length() > 0 {
				el.queue.Remove()
			}
			el.state = stateStopped
			el.mu.Unlock()
			if dropped > 0 {
				el.discarded.Add(uint64(dropped))
				el.log.Info("discarded pending commands on quit", zap.Int("commands", dropped))
			}
			el.log.Debug("loop stopped", zap.Uint64("executed", el.executed.Load()))
			return
		}
		cmd := el.queue.Remove().(api.Command)
		el.mu.Unlock()
		el.execute(cmd)
	}
}

func (el *EventLoop) execute(cmd api.Command) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			el.panics.Add(1)
			el.log.Error("command panicked", zap.Any("panic", r))
		}
		el.executed.Add(1)
		if took := time.Since(start); el.slow > 0 && took > el.slow {
			el.slowCount.Add(1)
			el.log.Debug("slow command", zap.Duration("took", took))
			if el.onSlow != nil {
				el.onSlow(el.name, took)
			}
		}
	}()
	cmd()
}

// Post enqueues cmd at the tail of the queue.
func (el *EventLoop) Post(cmd api.Command) error {
	if cmd == nil {
		return api.ErrInvalidArgument.WithContext("context", el.name)
	}
	el.mu.Lock()
	switch el.state {
	case stateCreated:
		el.mu.Unlock()
		return api.ErrNotStarted.WithContext("context", el.name)
	case stateQuitting, stateStopped:
		el.mu.Unlock()
		el.stale.Add(1)
		el.log.Warn("discarding command posted to quit context")
		if el.onStale != nil {
			el.onStale(el.name)
		}
		return api.ErrContextClosed.WithContext("context", el.name)
	}
	el.queue.Add(cmd)
	el.cond.Signal()
	el.mu.Unlock()
	return nil
}

// PostAndWait posts cmd and blocks until it ran, ctx is done, or the loop
// exited without running it.
func (el *EventLoop) PostAndWait(ctx context.Context, cmd api.Command) error {
	if cmd == nil {
		return api.ErrInvalidArgument.WithContext("context", el.name)
	}
	ran := make(chan struct{})
	if err := el.Post(func() {
		defer close(ran)
		cmd()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-el.done:
		select {
		case <-ran:
			return nil
		default:
			return api.ErrContextClosed.WithContext("context", el.name)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Quit stops accepting commands, drains or discards the queue and waits for
// the loop to exit. Later calls wait for the same exit.
func (el *EventLoop) Quit(drain bool) {
	el.mu.Lock()
	switch el.state {
	case stateCreated:
		el.state = stateStopped
		close(el.done)
		el.mu.Unlock()
		return
	case stateRunning:
		el.state = stateQuitting
		el.drain = drain
		el.cond.Broadcast()
	}
	el.mu.Unlock()
	<-el.done
}

// Running implements api.ExecutionContext.
func (el *EventLoop) Running() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.state == stateRunning
}

// Done is closed once the loop has exited.
func (el *EventLoop) Done() <-chan struct{} { return el.done }

// Stats returns the loop counters.
func (el *EventLoop) Stats() LoopStats {
	el.mu.Lock()
	running := el.state == stateRunning
	pending := el.queue.Length()
	el.mu.Unlock()
	return LoopStats{
		Name:      el.name,
		Priority:  el.priority.String(),
		Running:   running,
		Pending:   pending,
		Executed:  el.executed.Load(),
		Discarded: el.discarded.Load(),
		Stale:     el.stale.Load(),
		Panics:    el.panics.Load(),
		Slow:      el.slowCount.Load(),
	}
}

var _ api.ExecutionContext = (*EventLoop)(nil)
