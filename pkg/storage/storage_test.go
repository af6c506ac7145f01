package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "multi_version"

func openTiers(t *testing.T) []Tier {
	t.Helper()
	dir := t.TempDir()
	sq, err := NewSqliteTier(filepath.Join(dir, "warm.db"))
	require.NoError(t, err)
	bo, err := NewBoltTier(filepath.Join(dir, "cold.db"))
	require.NoError(t, err)
	tiers := []Tier{NewMemoryTier(), sq, bo}
	for _, tier := range tiers {
		require.NoError(t, tier.EnsureTable(testTable))
		t.Cleanup(func() { tier.Close() })
	}
	return tiers
}

func k(s string) []byte    { return []byte(s) }
func row(s string) []byte  { return []byte(s) }

// TestTierPointLookup tests latest-version-at-or-below semantics per tier
func TestTierPointLookup(t *testing.T) {
	for _, tier := range openTiers(t) {
		t.Run(tier.Name(), func(t *testing.T) {
			require.NoError(t, tier.Set(testTable, []Entry{
				{Key: k("a"), Row: row("a@2"), Version: 2},
				{Key: k("a"), Row: row("a@5"), Version: 5},
				{Key: k("a"), Version: 8, Tombstone: true},
			}))

			_, ok, err := tier.Get(testTable, k("a"), 1)
			require.NoError(t, err)
			assert.False(t, ok, "nothing visible at version 1")

			e, ok, err := tier.Get(testTable, k("a"), 2)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(2), e.Version)
			assert.Equal(t, row("a@2"), e.Row)

			e, ok, err = tier.Get(testTable, k("a"), 7)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(5), e.Version)

			e, ok, err = tier.Get(testTable, k("a"), 100)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, e.Tombstone)

			contains, err := tier.Contains(testTable, k("a"), 7)
			require.NoError(t, err)
			assert.True(t, contains)
			contains, err = tier.Contains(testTable, k("a"), 100)
			require.NoError(t, err)
			assert.False(t, contains, "tombstone reads as absent")
		})
	}
}

// TestTierGetAllVersions tests the full version chain
func TestTierGetAllVersions(t *testing.T) {
	for _, tier := range openTiers(t) {
		t.Run(tier.Name(), func(t *testing.T) {
			require.NoError(t, tier.Set(testTable, []Entry{
				{Key: k("x"), Row: row("1"), Version: 1},
				{Key: k("x"), Row: row("3"), Version: 3},
				{Key: k("x"), Row: row("2"), Version: 2},
			}))
			entries, err := tier.GetAllVersions(testTable, k("x"))
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, uint64(3), entries[0].Version)
			assert.Equal(t, uint64(2), entries[1].Version)
			assert.Equal(t, uint64(1), entries[2].Version)
		})
	}
}

// TestTierRange tests key-ordered iteration with per-key latest selection
func TestTierRange(t *testing.T) {
	for _, tier := range openTiers(t) {
		t.Run(tier.Name(), func(t *testing.T) {
			require.NoError(t, tier.Set(testTable, []Entry{
				{Key: k("a"), Row: row("a@1"), Version: 1},
				{Key: k("a"), Row: row("a@4"), Version: 4},
				{Key: k("b"), Row: row("b@2"), Version: 2},
				{Key: k("c"), Row: row("c@9"), Version: 9},
				{Key: k("d"), Row: row("d@3"), Version: 3},
			}))

			entries, _, hasMore, err := tier.RangeNext(testTable, nil, k("a"), k("d"), 4, 0)
			require.NoError(t, err)
			assert.False(t, hasMore)
			require.Len(t, entries, 2, "c@9 above max version, d out of range")
			assert.Equal(t, k("a"), entries[0].Key)
			assert.Equal(t, uint64(4), entries[0].Version)
			assert.Equal(t, k("b"), entries[1].Key)
		})
	}
}

// TestTierRangeCursor tests resumable pagination
func TestTierRangeCursor(t *testing.T) {
	for _, tier := range openTiers(t) {
		t.Run(tier.Name(), func(t *testing.T) {
			var batch []Entry
			for i := 0; i < 10; i++ {
				batch = append(batch, Entry{Key: k(fmt.Sprintf("k%02d", i)), Row: row("v"), Version: 1})
			}
			require.NoError(t, tier.Set(testTable, batch))

			var (
				cursor Cursor
				seen   []string
			)
			for {
				entries, next, hasMore, err := tier.RangeNext(testTable, cursor, nil, nil, 10, 3)
				require.NoError(t, err)
				for _, e := range entries {
					seen = append(seen, string(e.Key))
				}
				if !hasMore {
					break
				}
				cursor = next
			}
			require.Len(t, seen, 10)
			for i, s := range seen {
				assert.Equal(t, fmt.Sprintf("k%02d", i), s)
			}
		})
	}
}

// TestTierRangeRev tests descending iteration
func TestTierRangeRev(t *testing.T) {
	for _, tier := range openTiers(t) {
		t.Run(tier.Name(), func(t *testing.T) {
			require.NoError(t, tier.Set(testTable, []Entry{
				{Key: k("a"), Row: row("a1"), Version: 1},
				{Key: k("b"), Row: row("b1"), Version: 1},
				{Key: k("b"), Row: row("b2"), Version: 2},
				{Key: k("c"), Row: row("c1"), Version: 1},
			}))
			entries, _, _, err := tier.RangeRevNext(testTable, nil, nil, nil, 10, 0)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, k("c"), entries[0].Key)
			assert.Equal(t, k("b"), entries[1].Key)
			assert.Equal(t, uint64(2), entries[1].Version)
			assert.Equal(t, k("a"), entries[2].Key)
		})
	}
}

// TestTierUnsetAndDrop tests version erasure
func TestTierUnsetAndDrop(t *testing.T) {
	for _, tier := range openTiers(t) {
		t.Run(tier.Name(), func(t *testing.T) {
			require.NoError(t, tier.Set(testTable, []Entry{
				{Key: k("a"), Row: row("1"), Version: 1},
				{Key: k("a"), Row: row("2"), Version: 2},
				{Key: k("a"), Row: row("3"), Version: 3},
			}))

			require.NoError(t, tier.Unset(testTable, k("a"), 2))
			entries, err := tier.GetAllVersions(testTable, k("a"))
			require.NoError(t, err)
			require.Len(t, entries, 2)

			require.NoError(t, tier.Drop(testTable, []DropSpec{{Key: k("a"), UpToVersion: 3}}))
			entries, err = tier.GetAllVersions(testTable, k("a"))
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

// TestTierTakeOlder tests eviction extraction
func TestTierTakeOlder(t *testing.T) {
	for _, tier := range openTiers(t) {
		t.Run(tier.Name(), func(t *testing.T) {
			require.NoError(t, tier.Set(testTable, []Entry{
				{Key: k("a"), Row: row("1"), Version: 1},
				{Key: k("a"), Row: row("5"), Version: 5},
				{Key: k("b"), Row: row("2"), Version: 2},
			}))

			taken, err := tier.TakeOlder(testTable, 3, 0)
			require.NoError(t, err)
			require.Len(t, taken, 2)
			assert.Equal(t, uint64(1), taken[0].Version)
			assert.Equal(t, uint64(2), taken[1].Version)

			entries, err := tier.GetAllVersions(testTable, k("a"))
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, uint64(5), entries[0].Version)
		})
	}
}

// TestCompositeKeyRoundTrip tests the physical key codec
func TestCompositeKeyRoundTrip(t *testing.T) {
	cases := [][]byte{k("plain"), {0x00}, {0x00, 0x00, 0xff}, {}}
	for _, userKey := range cases {
		ck := compositeKey(userKey, 42)
		got, version, ok := splitCompositeKey(ck)
		require.True(t, ok)
		assert.Equal(t, userKey, got)
		assert.Equal(t, uint64(42), version)
	}
}
