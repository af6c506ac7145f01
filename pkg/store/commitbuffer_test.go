package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFirstCommitBecomesBaseline tests baseline establishment
func TestFirstCommitBecomesBaseline(t *testing.T) {
	buf := NewCommitBuffer()

	ready := buf.Add(42, nil)
	assert.True(t, ready)
	assert.Equal(t, uint64(42), buf.NextExpected())

	commits := buf.DrainReady()
	require.Len(t, commits, 1)
	assert.Equal(t, uint64(42), commits[0].Version)
	assert.Equal(t, uint64(43), buf.NextExpected())
}

// TestInOrderCommits tests the fast path
func TestInOrderCommits(t *testing.T) {
	buf := NewCommitBuffer()

	assert.True(t, buf.Add(10, nil))
	require.Len(t, buf.DrainReady(), 1)

	assert.True(t, buf.Add(11, nil))
	assert.False(t, buf.Add(12, nil))

	commits := buf.DrainReady()
	require.Len(t, commits, 2)
	assert.Equal(t, uint64(11), commits[0].Version)
	assert.Equal(t, uint64(12), commits[1].Version)
	assert.Equal(t, uint64(13), buf.NextExpected())
}

// TestOutOfOrderCommits tests buffering until earlier versions arrive
func TestOutOfOrderCommits(t *testing.T) {
	buf := NewCommitBuffer()

	assert.True(t, buf.Add(1, nil))
	buf.DrainReady()

	assert.False(t, buf.Add(3, nil))
	assert.False(t, buf.Add(5, nil))
	assert.True(t, buf.Add(2, nil))
	assert.False(t, buf.Add(4, nil))

	commits := buf.DrainReady()
	require.Len(t, commits, 4)
	for i, want := range []uint64{2, 3, 4, 5} {
		assert.Equal(t, want, commits[i].Version)
	}
}

// TestGapHoldsDrain tests that a missing version blocks everything above it
func TestGapHoldsDrain(t *testing.T) {
	buf := NewCommitBuffer()

	assert.True(t, buf.Add(1, nil))
	buf.DrainReady()

	buf.Add(3, nil)
	buf.Add(4, nil)
	buf.Add(5, nil)

	assert.Empty(t, buf.DrainReady())
	assert.Equal(t, []uint64{3, 4, 5}, buf.Pending())

	assert.True(t, buf.Add(2, nil))
	commits := buf.DrainReady()
	require.Len(t, commits, 4)
	assert.Empty(t, buf.Pending())
}
