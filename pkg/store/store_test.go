package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifydb/reifydb/pkg/delta"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestStore(t *testing.T, tiers ...storage.Tier) *Store {
	t.Helper()
	if len(tiers) == 0 {
		tiers = []storage.Tier{storage.NewMemoryTier()}
	}
	cfg := DefaultConfig()
	cfg.EvictInterval = 0 // no background eviction in tests
	s, err := New(cfg, tiers...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rowKey(primitive, rowNumber uint64) key.EncodedKey {
	return key.Row{Primitive: primitive, RowNumber: rowNumber}.Encode()
}

// TestApplyAndGet tests the basic write/read cycle
func TestApplyAndGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ApplyCommit(1, []delta.Delta{
		delta.Set(rowKey(1, 1), schema.EncodedRow("v1")),
	}))
	require.NoError(t, s.ApplyCommit(2, []delta.Delta{
		delta.Set(rowKey(1, 1), schema.EncodedRow("v2")),
	}))

	e, ok, err := s.Get(rowKey(1, 1), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), e.Row)

	e, ok, err = s.Get(rowKey(1, 1), 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), e.Row)

	// read at version 0 returns nothing
	_, ok, err = s.Get(rowKey(1, 1), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestOutOfOrderApply tests the commit buffer wiring
func TestOutOfOrderApply(t *testing.T) {
	s := newTestStore(t)

	var applied []uint64
	s.OnApplied(func(v uint64) { applied = append(applied, v) })

	require.NoError(t, s.ApplyCommit(1, []delta.Delta{delta.Set(rowKey(1, 1), schema.EncodedRow("a"))}))
	require.NoError(t, s.ApplyCommit(3, []delta.Delta{delta.Set(rowKey(1, 3), schema.EncodedRow("c"))}))

	// version 3 is buffered: not yet readable, not yet applied
	_, ok, err := s.Get(rowKey(1, 3), 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []uint64{1}, applied)

	require.NoError(t, s.ApplyCommit(2, []delta.Delta{delta.Set(rowKey(1, 2), schema.EncodedRow("b"))}))
	assert.Equal(t, []uint64{1, 2, 3}, applied)
	assert.Equal(t, uint64(3), s.AppliedVersion())

	_, ok, err = s.Get(rowKey(1, 3), 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestTombstonesInvisibleToLatest tests deletion semantics
func TestTombstonesInvisibleToLatest(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ApplyCommit(1, []delta.Delta{delta.Set(rowKey(1, 1), schema.EncodedRow("v"))}))
	require.NoError(t, s.ApplyCommit(2, []delta.Delta{delta.Remove(rowKey(1, 1))}))

	// invisible above the tombstone
	_, ok, err := s.Get(rowKey(1, 1), 5)
	require.NoError(t, err)
	assert.False(t, ok)

	// still visible below it
	_, ok, err = s.Get(rowKey(1, 1), 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// version-exact history sees the tombstone itself
	entries, err := s.GetAllVersions(rowKey(1, 1))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Tombstone)
}

// TestRangeSkipsTombstones tests forward iteration semantics
func TestRangeSkipsTombstones(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ApplyCommit(1, []delta.Delta{
		delta.Set(rowKey(1, 1), schema.EncodedRow("a")),
		delta.Set(rowKey(1, 2), schema.EncodedRow("b")),
		delta.Set(rowKey(1, 3), schema.EncodedRow("c")),
	}))
	require.NoError(t, s.ApplyCommit(2, []delta.Delta{delta.Remove(rowKey(1, 2))}))

	batch, err := s.Prefix(key.RowPrefix(1), 2, nil, 0)
	require.NoError(t, err)
	require.Len(t, batch.Entries, 2)
	assert.Equal(t, []byte("a"), batch.Entries[0].Row)
	assert.Equal(t, []byte("c"), batch.Entries[1].Row)

	// at version 1 the removed key is still there
	batch, err = s.Prefix(key.RowPrefix(1), 1, nil, 0)
	require.NoError(t, err)
	assert.Len(t, batch.Entries, 3)
}

// TestCrossTierMerge tests that the highest version wins across tiers
func TestCrossTierMerge(t *testing.T) {
	hot := storage.NewMemoryTier()
	warm := storage.NewMemoryTier()
	s := newTestStore(t, hot, warm)

	// the same key at version 10 in the warm tier and 12 in the hot one
	require.NoError(t, warm.EnsureTable(storage.TableMultiVersion))
	require.NoError(t, warm.Set(storage.TableMultiVersion, []storage.Entry{
		{Key: rowKey(1, 1), Row: []byte("old"), Version: 10},
		{Key: rowKey(1, 2), Row: []byte("warm-only"), Version: 9},
	}))
	require.NoError(t, hot.Set(storage.TableMultiVersion, []storage.Entry{
		{Key: rowKey(1, 1), Row: []byte("new"), Version: 12},
	}))

	e, ok, err := s.Get(rowKey(1, 1), 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), e.Row)
	assert.Equal(t, uint64(12), e.Version)

	// below the hot version the warm entry serves
	e, ok, err = s.Get(rowKey(1, 1), 11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), e.Row)

	batch, err := s.Prefix(key.RowPrefix(1), 20, nil, 0)
	require.NoError(t, err)
	require.Len(t, batch.Entries, 2)
	assert.Equal(t, []byte("new"), batch.Entries[0].Row)
	assert.Equal(t, []byte("warm-only"), batch.Entries[1].Row)
}

// TestDemote tests moving entries down a tier keeps reads stable
func TestDemote(t *testing.T) {
	hot := storage.NewMemoryTier()
	warm := storage.NewMemoryTier()
	s := newTestStore(t, hot, warm)

	require.NoError(t, s.ApplyCommit(1, []delta.Delta{delta.Set(rowKey(1, 1), schema.EncodedRow("a"))}))
	require.NoError(t, s.ApplyCommit(2, []delta.Delta{delta.Set(rowKey(1, 1), schema.EncodedRow("b"))}))

	require.NoError(t, s.demote(0, 2))

	// version 1 now lives in the warm tier; reads are unchanged
	e, ok, err := s.Get(rowKey(1, 1), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), e.Row)

	e, ok, err = s.Get(rowKey(1, 1), 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), e.Row)

	hotEntries, err := hot.GetAllVersions(storage.TableMultiVersion, rowKey(1, 1))
	require.NoError(t, err)
	require.Len(t, hotEntries, 1)
	assert.Equal(t, uint64(2), hotEntries[0].Version)
}

// TestRecoverAppliedVersion tests version recovery from the CDC record
func TestRecoverAppliedVersion(t *testing.T) {
	tier := storage.NewMemoryTier()
	s := newTestStore(t, tier)
	require.NoError(t, s.ApplyCommit(7, []delta.Delta{
		delta.Set(key.Cdc{Version: 7, Sequence: 0}.Encode(), schema.EncodedRow("change")),
	}))

	reopened, err := New(Config{}, tier)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reopened.AppliedVersion())
}
