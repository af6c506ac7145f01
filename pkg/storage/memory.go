package storage

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"
)

// memItem is one (key, version) entry held by the in-memory tier.
type memItem struct {
	ck   []byte
	row  []byte
	tomb bool
}

func memLess(a, b memItem) bool {
	return bytes.Compare(a.ck, b.ck) < 0
}

type memTable struct {
	tree *btree.BTreeG[memItem]
	size int64
}

// MemoryTier is the hot tier: a btree-ordered in-process store.
type MemoryTier struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{tables: make(map[string]*memTable)}
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) EnsureTable(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = &memTable{tree: btree.NewG(32, memLess)}
	}
	return nil
}

func (m *MemoryTier) ClearTable(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = &memTable{tree: btree.NewG(32, memLess)}
	return nil
}

func (m *MemoryTier) table(name string) *memTable {
	if t, ok := m.tables[name]; ok {
		return t
	}
	t := &memTable{tree: btree.NewG(32, memLess)}
	m.tables[name] = t
	return t
}

var emptyMemTable = &memTable{tree: btree.NewG(32, memLess)}

// tableRO returns an existing table without mutating the map; reads on a
// never-written table see an empty tree.
func (m *MemoryTier) tableRO(name string) *memTable {
	if t, ok := m.tables[name]; ok {
		return t
	}
	return emptyMemTable
}

func (m *MemoryTier) Get(table string, key []byte, maxVersion uint64) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tableRO(table)
	seek := memItem{ck: compositeKey(key, maxVersion)}
	var found Entry
	ok := false
	t.tree.AscendGreaterOrEqual(seek, func(it memItem) bool {
		k, version, valid := splitCompositeKey(it.ck)
		if !valid || !bytes.Equal(k, key) {
			return false
		}
		found = Entry{Key: k, Row: it.row, Version: version, Tombstone: it.tomb}
		ok = true
		return false
	})
	return found, ok, nil
}

func (m *MemoryTier) GetAllVersions(table string, key []byte) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tableRO(table)
	seek := memItem{ck: compositeKey(key, ^uint64(0))}
	var out []Entry
	t.tree.AscendGreaterOrEqual(seek, func(it memItem) bool {
		k, version, valid := splitCompositeKey(it.ck)
		if !valid || !bytes.Equal(k, key) {
			return false
		}
		out = append(out, Entry{Key: k, Row: it.row, Version: version, Tombstone: it.tomb})
		return true
	})
	return out, nil
}

func (m *MemoryTier) Contains(table string, key []byte, maxVersion uint64) (bool, error) {
	e, ok, err := m.Get(table, key, maxVersion)
	if err != nil || !ok {
		return false, err
	}
	return !e.Tombstone, nil
}

func (m *MemoryTier) Set(table string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	for _, e := range entries {
		it := memItem{ck: compositeKey(e.Key, e.Version), row: e.Row, tomb: e.Tombstone}
		if old, replaced := t.tree.ReplaceOrInsert(it); replaced {
			t.size -= int64(len(old.ck) + len(old.row))
		}
		t.size += int64(len(it.ck) + len(it.row))
	}
	return nil
}

func (m *MemoryTier) Unset(table string, key []byte, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	if old, removed := t.tree.Delete(memItem{ck: compositeKey(key, version)}); removed {
		t.size -= int64(len(old.ck) + len(old.row))
	}
	return nil
}

func (m *MemoryTier) Drop(table string, drops []DropSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	for _, d := range drops {
		seek := memItem{ck: compositeKey(d.Key, d.UpToVersion)}
		var victims []memItem
		t.tree.AscendGreaterOrEqual(seek, func(it memItem) bool {
			k, _, valid := splitCompositeKey(it.ck)
			if !valid || !bytes.Equal(k, d.Key) {
				return false
			}
			victims = append(victims, it)
			return true
		})
		for _, v := range victims {
			if old, removed := t.tree.Delete(v); removed {
				t.size -= int64(len(old.ck) + len(old.row))
			}
		}
	}
	return nil
}

func (m *MemoryTier) RangeNext(table string, cursor Cursor, start, end []byte, maxVersion uint64, limit int) ([]Entry, Cursor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tableRO(table)

	var seek memItem
	if len(cursor) > 0 {
		// resume strictly after the cursor key
		seek = memItem{ck: compositeKey(cursor, 0)}
	} else if start != nil {
		seek = memItem{ck: compositeRangeStart(start)}
	}

	var out []Entry
	hasMore := false
	var currentKey []byte
	taken := false

	t.tree.AscendGreaterOrEqual(seek, func(it memItem) bool {
		k, version, valid := splitCompositeKey(it.ck)
		if !valid {
			return true
		}
		if len(cursor) > 0 && bytes.Equal(k, cursor) {
			return true
		}
		if end != nil && bytes.Compare(k, end) >= 0 {
			return false
		}
		if !bytes.Equal(k, currentKey) {
			currentKey = append([]byte(nil), k...)
			taken = false
		}
		if taken || version > maxVersion {
			return true
		}
		taken = true
		if limit > 0 && len(out) >= limit {
			hasMore = true
			return false
		}
		out = append(out, Entry{Key: currentKey, Row: it.row, Version: version, Tombstone: it.tomb})
		return true
	})

	var next Cursor
	if len(out) > 0 {
		next = Cursor(out[len(out)-1].Key)
	} else {
		next = cursor
	}
	return out, next, hasMore, nil
}

func (m *MemoryTier) RangeRevNext(table string, cursor Cursor, start, end []byte, maxVersion uint64, limit int) ([]Entry, Cursor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tableRO(table)

	// Collect the best entry per key walking composites descending.
	var out []Entry
	hasMore := false
	var currentKey []byte
	var best *Entry

	flush := func() bool {
		if best == nil {
			return true
		}
		if limit > 0 && len(out) >= limit {
			hasMore = true
			return false
		}
		out = append(out, *best)
		best = nil
		return true
	}

	iter := func(it memItem) bool {
		k, version, valid := splitCompositeKey(it.ck)
		if !valid {
			return true
		}
		if len(cursor) > 0 && bytes.Compare(k, cursor) >= 0 {
			return true
		}
		if end != nil && bytes.Compare(k, end) >= 0 {
			return true
		}
		if start != nil && bytes.Compare(k, start) < 0 {
			return false
		}
		if !bytes.Equal(k, currentKey) {
			if !flush() {
				return false
			}
			currentKey = append([]byte(nil), k...)
		}
		if version <= maxVersion {
			e := Entry{Key: currentKey, Row: it.row, Version: version, Tombstone: it.tomb}
			if best == nil || version > best.Version {
				best = &e
			}
		}
		return true
	}

	t.tree.Descend(iter)
	if !hasMore {
		flush()
	}

	var next Cursor
	if len(out) > 0 {
		next = Cursor(out[len(out)-1].Key)
	} else {
		next = cursor
	}
	return out, next, hasMore, nil
}

func (m *MemoryTier) TakeOlder(table string, cutVersion uint64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)

	var victims []memItem
	t.tree.Ascend(func(it memItem) bool {
		_, version, valid := splitCompositeKey(it.ck)
		if valid && version < cutVersion {
			victims = append(victims, it)
		}
		return true
	})

	entries := make([]Entry, 0, len(victims))
	for _, v := range victims {
		k, version, _ := splitCompositeKey(v.ck)
		entries = append(entries, Entry{Key: k, Row: v.row, Version: version, Tombstone: v.tomb})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for _, e := range entries {
		if old, removed := t.tree.Delete(memItem{ck: compositeKey(e.Key, e.Version)}); removed {
			t.size -= int64(len(old.ck) + len(old.row))
		}
	}
	return entries, nil
}

func (m *MemoryTier) ApproxSize(table string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tableRO(table).size, nil
}

func (m *MemoryTier) Close() error { return nil }
