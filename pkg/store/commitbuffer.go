package store

import (
	"sort"

	"github.com/reifydb/reifydb/pkg/delta"
)

// BufferedCommit is a commit waiting for all earlier versions to arrive.
type BufferedCommit struct {
	Version uint64
	Deltas  []delta.Delta
}

// CommitBuffer orders commits before they reach the tiers. Committers may
// finish out of order; the buffer holds higher versions until every earlier
// one is present, then drains in strictly increasing order.
type CommitBuffer struct {
	buffer map[uint64]BufferedCommit
	// nextExpected is the version the store applies next. Zero means no
	// commit has been seen yet; the first commit becomes the baseline.
	nextExpected uint64
}

// NewCommitBuffer creates an empty buffer.
func NewCommitBuffer() *CommitBuffer {
	return &CommitBuffer{buffer: make(map[uint64]BufferedCommit)}
}

// Add inserts a commit and reports whether it can be applied immediately
// (it is the next expected version).
func (b *CommitBuffer) Add(version uint64, deltas []delta.Delta) bool {
	if b.nextExpected == 0 {
		b.nextExpected = version
	}
	b.buffer[version] = BufferedCommit{Version: version, Deltas: deltas}
	return version == b.nextExpected
}

// DrainReady removes and returns every commit that is ready, in version
// order, advancing the next expected version.
func (b *CommitBuffer) DrainReady() []BufferedCommit {
	if b.nextExpected == 0 {
		return nil
	}
	var out []BufferedCommit
	for {
		c, ok := b.buffer[b.nextExpected]
		if !ok {
			break
		}
		delete(b.buffer, b.nextExpected)
		out = append(out, c)
		b.nextExpected++
	}
	return out
}

// NextExpected returns the version the buffer will drain next; zero before
// the first commit.
func (b *CommitBuffer) NextExpected() uint64 {
	return b.nextExpected
}

// Pending returns the buffered versions in ascending order. Diagnostic only.
func (b *CommitBuffer) Pending() []uint64 {
	out := make([]uint64, 0, len(b.buffer))
	for v := range b.buffer {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
