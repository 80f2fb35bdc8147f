package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/mediagrid/api"
)

func startLoop(t *testing.T, opts LoopOptions) *EventLoop {
	t.Helper()
	el := NewEventLoop(opts)
	require.NoError(t, el.Start())
	t.Cleanup(func() { el.Quit(false) })
	return el
}

func TestEventLoop_RunsCommandsInOrder(t *testing.T) {
	el := startLoop(t, LoopOptions{Name: "fifo"})

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, el.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, el.PostAndWait(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoop_CommandsNeverOverlap(t *testing.T) {
	el := startLoop(t, LoopOptions{Name: "serial"})

	var active, overlaps atomic.Int32
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = el.Post(func() {
					if active.Add(1) > 1 {
						overlaps.Add(1)
					}
					time.Sleep(10 * time.Microsecond)
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, el.PostAndWait(context.Background(), func() {}))
	assert.Zero(t, overlaps.Load())
	require.Eventually(t, func() bool { return el.Stats().Executed == 201 }, time.Second, time.Millisecond)
}

func TestEventLoop_PostBeforeStart(t *testing.T) {
	el := NewEventLoop(LoopOptions{})
	assert.ErrorIs(t, el.Post(func() {}), api.ErrNotStarted)
	assert.False(t, el.Running())
	assert.NotEmpty(t, el.Name())

	el.Quit(true)
	assert.ErrorIs(t, el.Start(), api.ErrContextClosed)
}

func TestEventLoop_QuitDrain(t *testing.T) {
	el := NewEventLoop(LoopOptions{Name: "drain"})
	require.NoError(t, el.Start())

	gate := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, el.Post(func() { <-gate }))
	for i := 0; i < 10; i++ {
		require.NoError(t, el.Post(func() { ran.Add(1) }))
	}
	require.Eventually(t, func() bool { return el.Stats().Pending == 10 }, time.Second, time.Millisecond)

	quit := make(chan struct{})
	go func() {
		el.Quit(true)
		close(quit)
	}()
	require.Eventually(t, func() bool { return !el.Running() }, time.Second, time.Millisecond)
	close(gate)
	<-quit

	assert.Equal(t, int32(10), ran.Load())
	assert.Zero(t, el.Stats().Discarded)
}

func TestEventLoop_QuitDiscard(t *testing.T) {
	el := NewEventLoop(LoopOptions{Name: "discard"})
	require.NoError(t, el.Start())

	gate := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, el.Post(func() { <-gate }))
	for i := 0; i < 10; i++ {
		require.NoError(t, el.Post(func() { ran.Add(1) }))
	}

	quit := make(chan struct{})
	go func() {
		el.Quit(false)
		close(quit)
	}()
	require.Eventually(t, func() bool { return !el.Running() }, time.Second, time.Millisecond)
	close(gate)
	<-quit

	assert.Zero(t, ran.Load())
	assert.Equal(t, uint64(10), el.Stats().Discarded)
	el.Quit(false)
}

func TestEventLoop_StalePostAfterQuit(t *testing.T) {
	var stale atomic.Int32
	el := NewEventLoop(LoopOptions{Name: "stale", OnStale: func(string) { stale.Add(1) }})
	require.NoError(t, el.Start())
	el.Quit(true)

	assert.ErrorIs(t, el.Post(func() { t.Error("stale command ran") }), api.ErrContextClosed)
	assert.ErrorIs(t, el.PostAndWait(context.Background(), func() {}), api.ErrContextClosed)
	assert.Equal(t, int32(2), stale.Load())
	assert.Equal(t, uint64(2), el.Stats().Stale)

	select {
	case <-el.Done():
	default:
		t.Fatal("done not closed after quit")
	}
}

func TestEventLoop_PanicDoesNotKillLoop(t *testing.T) {
	el := startLoop(t, LoopOptions{Name: "panic"})

	require.NoError(t, el.PostAndWait(context.Background(), func() { panic("boom") }))
	var ok bool
	require.NoError(t, el.PostAndWait(context.Background(), func() { ok = true }))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), el.Stats().Panics)
}

func TestEventLoop_PostAndWaitHonorsContext(t *testing.T) {
	el := startLoop(t, LoopOptions{Name: "ctx"})
	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, el.Post(func() { <-gate }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, el.PostAndWait(ctx, func() {}), context.DeadlineExceeded)
}

func TestEventLoop_SlowCommandReported(t *testing.T) {
	var slow atomic.Int32
	el := startLoop(t, LoopOptions{
		Name:        "slow",
		SlowCommand: time.Millisecond,
		OnSlow:      func(string, time.Duration) { slow.Add(1) },
	})
	require.NoError(t, el.PostAndWait(context.Background(), func() { time.Sleep(5 * time.Millisecond) }))
	require.Eventually(t, func() bool { return slow.Load() == 1 }, time.Second, time.Millisecond)
}

func TestEventLoop_PriorityFallsBackWithoutPrivileges(t *testing.T) {
	// Raising priority usually needs CAP_SYS_NICE; the loop must run either way.
	el := startLoop(t, LoopOptions{Name: "audio", Priority: api.PriorityAudio})
	assert.Equal(t, api.PriorityAudio, el.Priority())
	var ran bool
	require.NoError(t, el.PostAndWait(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestNiceValues(t *testing.T) {
	assert.Equal(t, 0, niceValue(api.PriorityDefault))
	assert.Less(t, niceValue(api.PriorityAudio), niceValue(api.PriorityDisplay))
	assert.Less(t, niceValue(api.PriorityUrgentAudio), niceValue(api.PriorityAudio))
	assert.NoError(t, applyPriority(api.PriorityDefault))
	assert.NoError(t, pinThread(-1))
}
