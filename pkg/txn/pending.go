package txn

import (
	"bytes"
	"sort"

	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
)

// pendingWrite is one buffered mutation of a command transaction.
type pendingWrite struct {
	key     key.EncodedKey
	row     schema.EncodedRow
	removed bool
}

// pendingWrites buffers a transaction's mutations, coalescing per key while
// preserving first-touch order. The order determines CDC sequence numbers at
// commit, so it must be deterministic.
type pendingWrites struct {
	entries []pendingWrite
	index   map[string]int
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{index: make(map[string]int)}
}

func (p *pendingWrites) set(k key.EncodedKey, row schema.EncodedRow) {
	if i, ok := p.index[string(k)]; ok {
		p.entries[i].row = row
		p.entries[i].removed = false
		return
	}
	p.index[string(k)] = len(p.entries)
	p.entries = append(p.entries, pendingWrite{key: k, row: row})
}

func (p *pendingWrites) remove(k key.EncodedKey) {
	if i, ok := p.index[string(k)]; ok {
		p.entries[i].row = nil
		p.entries[i].removed = true
		return
	}
	p.index[string(k)] = len(p.entries)
	p.entries = append(p.entries, pendingWrite{key: k, removed: true})
}

// get returns the buffered state of a key: (row, removed, buffered).
func (p *pendingWrites) get(k key.EncodedKey) (schema.EncodedRow, bool, bool) {
	i, ok := p.index[string(k)]
	if !ok {
		return nil, false, false
	}
	e := p.entries[i]
	return e.row, e.removed, true
}

func (p *pendingWrites) len() int {
	return len(p.entries)
}

// inRange returns the buffered writes with start <= key < end, sorted by key
// (descending when reverse). nil bounds are unbounded.
func (p *pendingWrites) inRange(start, end key.EncodedKey, reverse bool) []pendingWrite {
	var out []pendingWrite
	for _, e := range p.entries {
		if start != nil && bytes.Compare(e.key, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(e.key, end) >= 0 {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		c := bytes.Compare(out[i].key, out[j].key)
		if reverse {
			return c > 0
		}
		return c < 0
	})
	return out
}
