package cdc

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedVersions bounds the tracker's memory.
const maxTrackedVersions = 10000

// SequenceTracker hands out per-version CDC sequence numbers without
// scanning the log. Eviction is safe: once a version has committed no
// further sequences are assigned for it.
type SequenceTracker struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, uint16]
}

// NewSequenceTracker creates a tracker with the default capacity.
func NewSequenceTracker() *SequenceTracker {
	return NewSequenceTrackerWithSize(maxTrackedVersions)
}

// NewSequenceTrackerWithSize creates a tracker bounded to maxSize versions.
func NewSequenceTrackerWithSize(maxSize int) *SequenceTracker {
	cache, err := lru.New[uint64, uint16](maxSize)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &SequenceTracker{cache: cache}
}

// Next returns the next sequence number for a version and advances the
// counter. Sequences within a version are contiguous starting at zero.
func (t *SequenceTracker) Next(version uint64) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, _ := t.cache.Get(version)
	next := current
	if next != ^uint16(0) {
		next++
	}
	t.cache.Add(version, next)
	return current
}

// Tracked returns the number of versions currently tracked.
func (t *SequenceTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}
