package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/pool"
)

func TestLease_TracksOnlyOwnSegments(t *testing.T) {
	p := newPool(t, pool.Config{Name: "shared"})
	a := p.NewLease("slot-0")
	b := p.NewLease("slot-1")

	segA, err := a.Allocate(3)
	require.NoError(t, err)
	_, err = b.Allocate(2)
	require.NoError(t, err)
	assert.Equal(t, 5, p.AllocatedCount())

	// b cannot hand back a's segments
	b.Release(segA)
	assert.Equal(t, 5, p.AllocatedCount())
	assert.Equal(t, 3, a.Held())

	a.Release(segA[:1])
	assert.Equal(t, 2, a.Held())
	assert.Equal(t, 4, p.AllocatedCount())

	assert.Equal(t, 2, a.ReleaseAll())
	assert.Equal(t, 2, p.AllocatedCount())
	assert.Equal(t, 2, b.Held())
}

func TestLease_CloseRejectsAllocation(t *testing.T) {
	p := newPool(t, pool.Config{Name: "closing"})
	l := p.NewLease("slot-3")
	_, err := l.Allocate(4)
	require.NoError(t, err)

	assert.Equal(t, 4, l.Close())
	assert.Equal(t, 0, l.Close(), "second close must be a no-op")
	assert.Equal(t, 0, p.AllocatedCount())

	_, err = l.Allocate(1)
	require.ErrorIs(t, err, api.ErrLeaseClosed)
	assert.Equal(t, 1024, l.SegmentSize())
}
