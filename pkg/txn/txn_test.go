package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/store"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestManager(t *testing.T, mode Mode) *Manager {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.EvictInterval = 0
	s, err := store.New(cfg, storage.NewMemoryTier())
	require.NoError(t, err)
	m := NewManager(s, Config{Mode: mode, WaitTimeout: 250 * time.Millisecond}, nil)
	t.Cleanup(func() {
		m.Close()
		s.Close()
	})
	return m
}

func rk(primitive, rowNumber uint64) key.EncodedKey {
	return key.Row{Primitive: primitive, RowNumber: rowNumber}.Encode()
}

func commit(t *testing.T, tx *CommandTxn) uint64 {
	t.Helper()
	v, err := tx.Commit()
	require.NoError(t, err)
	return v
}

// TestCommitOrdering covers the S1 scenario: two writers starting at the
// same version, committing one after the other
func TestCommitOrdering(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	// seed versions up to 5
	for i := 0; i < 5; i++ {
		tx, err := m.BeginCommand()
		require.NoError(t, err)
		require.NoError(t, tx.Set(rk(9, uint64(i)), schema.EncodedRow("seed")))
		commit(t, tx)
	}
	require.Eventually(t, func() bool { return m.Watermark() == 5 }, time.Second, time.Millisecond)

	a, err := m.BeginCommand()
	require.NoError(t, err)
	b, err := m.BeginCommand()
	require.NoError(t, err)
	require.Equal(t, uint64(5), a.ReadVersion())
	require.Equal(t, uint64(5), b.ReadVersion())

	require.NoError(t, a.Set(rk(1, 1), schema.EncodedRow("x=1")))
	require.NoError(t, b.Set(rk(1, 2), schema.EncodedRow("y=2")))

	va := commit(t, a)
	vb := commit(t, b)
	assert.Equal(t, uint64(6), va)
	assert.Equal(t, uint64(7), vb)

	at7, err := m.BeginQueryAt(context.Background(), 7)
	require.NoError(t, err)
	_, ok, err := at7.Get(rk(1, 1))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = at7.Get(rk(1, 2))
	require.NoError(t, err)
	assert.True(t, ok)

	at6, err := m.BeginQueryAt(context.Background(), 6)
	require.NoError(t, err)
	_, ok, err = at6.Get(rk(1, 1))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = at6.Get(rk(1, 2))
	require.NoError(t, err)
	assert.False(t, ok, "y must be absent at version 6")
}

// TestWriteConflict covers the S2 scenario: both writers touch key z
func TestWriteConflict(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	a, err := m.BeginCommand()
	require.NoError(t, err)
	b, err := m.BeginCommand()
	require.NoError(t, err)

	require.NoError(t, a.Set(rk(1, 7), schema.EncodedRow("a")))
	require.NoError(t, b.Set(rk(1, 7), schema.EncodedRow("b")))

	first := commit(t, a)

	_, err = b.Commit()
	require.Error(t, err)
	assert.True(t, diag.IsKind(err, diag.KindConflict))
	assert.True(t, diag.IsRetryable(err))

	// the loser's writes are discarded and the watermark lands on the
	// winner's version, not one past it
	require.Eventually(t, func() bool { return m.Watermark() == first }, time.Second, time.Millisecond)

	q := m.BeginQuery()
	row, ok, err := q.Get(rk(1, 7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.EncodedRow("a"), row)
}

// TestNoConflictOnDisjointKeys tests that parallel writers with disjoint
// write sets both succeed
func TestNoConflictOnDisjointKeys(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	a, err := m.BeginCommand()
	require.NoError(t, err)
	b, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, a.Set(rk(1, 1), schema.EncodedRow("a")))
	require.NoError(t, b.Set(rk(1, 2), schema.EncodedRow("b")))
	commit(t, a)
	commit(t, b)
}

// TestSnapshotStability tests that a reader re-reads identical bytes while
// writers advance the store
func TestSnapshotStability(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("before")))
	v := commit(t, tx)
	require.Eventually(t, func() bool { return m.Watermark() >= v }, time.Second, time.Millisecond)

	q := m.BeginQuery()
	first, ok, err := q.Get(rk(1, 1))
	require.NoError(t, err)
	require.True(t, ok)

	w, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, w.Set(rk(1, 1), schema.EncodedRow("after")))
	commit(t, w)

	second, ok, err := q.Get(rk(1, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, second, "snapshot must be immutable")
}

// TestReadYourOwnWrites tests pending reads layered over the snapshot
func TestReadYourOwnWrites(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("mine")))

	row, ok, err := tx.Get(rk(1, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.EncodedRow("mine"), row)

	require.NoError(t, tx.Remove(rk(1, 1)))
	_, ok, err = tx.Get(rk(1, 1))
	require.NoError(t, err)
	assert.False(t, ok, "a set-then-removed key reads as absent")

	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("again")))
	row, ok, err = tx.Get(rk(1, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.EncodedRow("again"), row)
	require.NoError(t, tx.Rollback())
}

// TestInsertThenRemoveLeavesNothing tests the boundary behavior: no CDC
// entry and no visible row for a key created and deleted in one transaction
func TestInsertThenRemoveLeavesNothing(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("ghost")))
	require.NoError(t, tx.Set(rk(1, 2), schema.EncodedRow("real")))
	require.NoError(t, tx.Remove(rk(1, 1)))
	v := commit(t, tx)

	q, err := m.BeginQueryAt(context.Background(), v)
	require.NoError(t, err)
	_, ok, err := q.Get(rk(1, 1))
	require.NoError(t, err)
	assert.False(t, ok)

	// exactly one CDC entry: the surviving key
	entries, err := m.store.GetAllVersions(key.Cdc{Version: v, Sequence: 0}.Encode())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	entries, err = m.store.GetAllVersions(key.Cdc{Version: v, Sequence: 1}.Encode())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestRollbackDiscardsWrites tests that no version is assigned on rollback
func TestRollbackDiscardsWrites(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("x")))
	require.NoError(t, tx.Rollback())

	q := m.BeginQuery()
	_, ok, err := q.Get(rk(1, 1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), m.Watermark())
}

// TestEmptyCommitAssignsNoVersion tests that a write-free commit burns
// nothing
func TestEmptyCommitAssignsNoVersion(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	v := commit(t, tx)
	assert.Equal(t, uint64(0), v)

	tx2, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx2.Set(rk(1, 1), schema.EncodedRow("x")))
	assert.Equal(t, uint64(1), commit(t, tx2))
}

// TestFutureVersionReadTimesOut tests the bounded watermark wait
func TestFutureVersionReadTimesOut(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	_, err := m.BeginQueryAt(context.Background(), 50)
	require.Error(t, err)
	assert.True(t, diag.IsKind(err, diag.KindTimeout))
}

// TestSerializableWriters tests the single-writer mode
func TestSerializableWriters(t *testing.T) {
	m := newTestManager(t, ModeSerializable)

	a, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, a.Set(rk(1, 1), schema.EncodedRow("a")))

	started := make(chan struct{})
	done := make(chan uint64)
	go func() {
		close(started)
		b, err := m.BeginCommand() // blocks until a finishes
		if err != nil {
			done <- 0
			return
		}
		b.Set(rk(1, 1), schema.EncodedRow("b"))
		v, _ := b.Commit()
		done <- v
	}()

	<-started
	time.Sleep(10 * time.Millisecond)
	va := commit(t, a)

	vb := <-done
	assert.Equal(t, va+1, vb, "serialized writers never conflict")

	// readers never block
	q := m.BeginQuery()
	_, _, err = q.Get(rk(1, 1))
	require.NoError(t, err)
}

// TestRangeWithPendingOverlay tests merged iteration over snapshot and
// pending writes
func TestRangeWithPendingOverlay(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	seed, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, seed.Set(rk(1, 1), schema.EncodedRow("a")))
	require.NoError(t, seed.Set(rk(1, 3), schema.EncodedRow("c")))
	v := commit(t, seed)
	require.Eventually(t, func() bool { return m.Watermark() >= v }, time.Second, time.Millisecond)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 2), schema.EncodedRow("b")))
	require.NoError(t, tx.Set(rk(1, 3), schema.EncodedRow("c2")))
	require.NoError(t, tx.Remove(rk(1, 1)))

	batch, err := tx.Prefix(key.RowPrefix(1), nil, 0)
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
	assert.Equal(t, schema.EncodedRow("b"), batch.Items[0].Row)
	assert.Equal(t, schema.EncodedRow("c2"), batch.Items[1].Row)

	rev, err := tx.RangeRev(key.RowPrefix(1), key.PrefixEnd(key.RowPrefix(1)), nil, 0)
	require.NoError(t, err)
	require.Len(t, rev.Items, 2)
	assert.Equal(t, schema.EncodedRow("c2"), rev.Items[0].Row)
	require.NoError(t, tx.Rollback())
}

// TestMonotoneVersions tests that versions are strictly increasing and
// contiguous across a commit sequence
func TestMonotoneVersions(t *testing.T) {
	m := newTestManager(t, ModeOptimistic)

	var versions []uint64
	for i := 0; i < 20; i++ {
		tx, err := m.BeginCommand()
		require.NoError(t, err)
		require.NoError(t, tx.Set(rk(1, uint64(i)), schema.EncodedRow("v")))
		versions = append(versions, commit(t, tx))
	}
	for i, v := range versions {
		assert.Equal(t, uint64(i+1), v)
	}
}
