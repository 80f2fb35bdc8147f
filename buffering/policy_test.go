package buffering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/pool"
)

type gauge struct {
	bytes int64
}

func (g *gauge) TotalBytesAllocated() int64 { return g.bytes }
func (g *gauge) SegmentSize() int           { return 1000 }

func thresholds(prioritize bool) Thresholds {
	return Thresholds{
		MinBufferMs:                      10_000,
		MaxBufferMs:                      20_000,
		BufferForPlaybackMs:              1_000,
		BufferForPlaybackAfterRebufferMs: 2_000,
		TargetBufferBytes:                50_000,
		PrioritizeTimeOverSize:           prioritize,
	}
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())

	cases := map[string]func(*Thresholds){
		"playback above rebuffer": func(th *Thresholds) { th.BufferForPlaybackMs = 3_000 },
		"rebuffer above max":      func(th *Thresholds) { th.BufferForPlaybackAfterRebufferMs = 25_000 },
		"playback above min": func(th *Thresholds) {
			th.MinBufferMs = 500
		},
		"min above max":   func(th *Thresholds) { th.MinBufferMs = 30_000 },
		"negative target": func(th *Thresholds) { th.TargetBufferBytes = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			th := thresholds(true)
			mutate(&th)
			assert.ErrorIs(t, th.Validate(), api.ErrConfiguration)
		})
	}
}

func TestPolicy_ContinueLoading(t *testing.T) {
	g := &gauge{}
	p, err := New("p", thresholds(false), g)
	require.NoError(t, err)

	assert.True(t, p.ShouldContinueLoading(5_000))
	assert.True(t, p.ShouldContinueLoading(15_000))
	assert.False(t, p.ShouldContinueLoading(20_000))

	g.bytes = 60_000
	assert.False(t, p.ShouldContinueLoading(5_000), "byte target reached below min buffer")
	assert.False(t, p.ShouldContinueLoading(15_000))
}

func TestPolicy_ContinueLoadingPrioritizesTime(t *testing.T) {
	g := &gauge{bytes: 60_000}
	p, err := New("p", thresholds(true), g)
	require.NoError(t, err)

	assert.True(t, p.ShouldContinueLoading(5_000), "duration below min must win over bytes")
	assert.False(t, p.ShouldContinueLoading(15_000))
	assert.False(t, p.ShouldContinueLoading(25_000))
}

func TestPolicy_StartPlayback(t *testing.T) {
	g := &gauge{}
	p, err := New("p", thresholds(true), g)
	require.NoError(t, err)

	assert.False(t, p.ShouldStartPlayback(999, false, false))
	assert.True(t, p.ShouldStartPlayback(1_000, false, false))
	assert.False(t, p.ShouldStartPlayback(1_500, true, false), "rebuffer threshold applies after a stall")
	assert.True(t, p.ShouldStartPlayback(2_000, true, false))
	assert.True(t, p.ShouldStartPlayback(0, true, true), "end of stream always allows playback")

	g.bytes = 60_000
	assert.False(t, p.ShouldStartPlayback(10, false, false), "bytes must not count when time is prioritized")

	q, err := New("q", thresholds(false), g)
	require.NoError(t, err)
	assert.True(t, q.ShouldStartPlayback(10, false, false))
}

func TestPolicy_DefaultTargetFromPool(t *testing.T) {
	sp, err := pool.NewSegmentPool(pool.Config{Name: "p", SegmentSize: 4096})
	require.NoError(t, err)
	p, err := New("p", DefaultThresholds(), sp)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultTargetBufferSegments*4096), p.TargetBytes())

	_, err = New("nil", DefaultThresholds(), nil)
	assert.ErrorIs(t, err, api.ErrConfiguration)
}
