/*
Package storage provides the pluggable tier backends of the multi-version
store.

A Tier persists immutable (key, row, version) entries and serves point and
range reads at a requested maximum version. Three reference implementations
exist:

	┌───────────────── TIER HIERARCHY ─────────────────┐
	│                                                   │
	│  MemoryTier   hot    btree-ordered, in-process    │
	│  SqliteTier   warm   single-file embedded DB      │
	│  BoltTier     cold   bbolt archival store         │
	│                                                   │
	└───────────────────────────────────────────────────┘

Entries for the same user key are stored adjacently with versions descending,
so "latest version <= v" is a single seek. Tombstones are ordinary entries
with the Tombstone flag; they participate in ordering and are filtered by the
layer above, not here.

Eviction between tiers is driven by the multi-version store: TakeOlder removes
and returns entries below a version cut-off so they can be re-inserted into
the next tier down.
*/
package storage
