package storage

import (
	"bytes"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/reifydb/reifydb/pkg/diag"
)

// BoltTier is the cold/archival tier, one bucket per table. Entries are
// stored under the composite (escaped key, inverted version) and the value
// carries a tombstone flag byte followed by the row bytes.
type BoltTier struct {
	db *bolt.DB
}

// NewBoltTier opens (or creates) the backing database file.
func NewBoltTier(path string) (*BoltTier, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, diag.IO("STG_201", fmt.Errorf("failed to open database: %w", err))
	}
	return &BoltTier{db: db}, nil
}

func (b *BoltTier) Name() string { return "bolt" }

func (b *BoltTier) EnsureTable(table string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(table))
		return err
	})
	if err != nil {
		return diag.IO("STG_202", fmt.Errorf("failed to create bucket %s: %w", table, err))
	}
	return nil
}

func (b *BoltTier) ClearTable(table string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(table)) != nil {
			if err := tx.DeleteBucket([]byte(table)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists([]byte(table))
		return err
	})
	if err != nil {
		return diag.IO("STG_203", fmt.Errorf("failed to clear bucket %s: %w", table, err))
	}
	return nil
}

func encodeBoltValue(e Entry) []byte {
	v := make([]byte, 1+len(e.Row))
	if e.Tombstone {
		v[0] = 1
	}
	copy(v[1:], e.Row)
	return v
}

func decodeBoltValue(v []byte) (row []byte, tomb bool) {
	if len(v) == 0 {
		return nil, false
	}
	tomb = v[0] == 1
	if len(v) > 1 {
		row = make([]byte, len(v)-1)
		copy(row, v[1:])
	}
	return row, tomb
}

func (b *BoltTier) Get(table string, key []byte, maxVersion uint64) (Entry, bool, error) {
	var (
		found Entry
		ok    bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		seek := compositeKey(key, maxVersion)
		k, v := c.Seek(seek)
		if k == nil {
			return nil
		}
		userKey, version, valid := splitCompositeKey(k)
		if !valid || !bytes.Equal(userKey, key) {
			return nil
		}
		row, tomb := decodeBoltValue(v)
		found = Entry{Key: userKey, Row: row, Version: version, Tombstone: tomb}
		ok = true
		return nil
	})
	if err != nil {
		return Entry{}, false, diag.IO("STG_204", err)
	}
	return found, ok, nil
}

func (b *BoltTier) GetAllVersions(table string, key []byte) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		seek := compositeKey(key, ^uint64(0))
		for k, v := c.Seek(seek); k != nil; k, v = c.Next() {
			userKey, version, valid := splitCompositeKey(k)
			if !valid || !bytes.Equal(userKey, key) {
				break
			}
			row, tomb := decodeBoltValue(v)
			out = append(out, Entry{Key: userKey, Row: row, Version: version, Tombstone: tomb})
		}
		return nil
	})
	if err != nil {
		return nil, diag.IO("STG_204", err)
	}
	return out, nil
}

func (b *BoltTier) Contains(table string, key []byte, maxVersion uint64) (bool, error) {
	e, ok, err := b.Get(table, key, maxVersion)
	if err != nil || !ok {
		return false, err
	}
	return !e.Tombstone, nil
}

func (b *BoltTier) Set(table string, entries []Entry) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := bkt.Put(compositeKey(e.Key, e.Version), encodeBoltValue(e)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return diag.IO("STG_205", err)
	}
	return nil
}

func (b *BoltTier) Unset(table string, key []byte, version uint64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		return bkt.Delete(compositeKey(key, version))
	})
	if err != nil {
		return diag.IO("STG_206", err)
	}
	return nil
}

func (b *BoltTier) Drop(table string, drops []DropSpec) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		for _, d := range drops {
			c := bkt.Cursor()
			seek := compositeKey(d.Key, d.UpToVersion)
			var victims [][]byte
			for k, _ := c.Seek(seek); k != nil; k, _ = c.Next() {
				userKey, _, valid := splitCompositeKey(k)
				if !valid || !bytes.Equal(userKey, d.Key) {
					break
				}
				victims = append(victims, append([]byte(nil), k...))
			}
			for _, k := range victims {
				if err := bkt.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return diag.IO("STG_206", err)
	}
	return nil
}

func (b *BoltTier) RangeNext(table string, cursor Cursor, start, end []byte, maxVersion uint64, limit int) ([]Entry, Cursor, bool, error) {
	var out []Entry
	hasMore := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var seek []byte
		if len(cursor) > 0 {
			seek = compositeKey(cursor, 0)
		} else if start != nil {
			seek = compositeRangeStart(start)
		}
		var currentKey []byte
		taken := false
		var k, v []byte
		if seek == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(seek)
		}
		for ; k != nil; k, v = c.Next() {
			userKey, version, valid := splitCompositeKey(k)
			if !valid {
				continue
			}
			if len(cursor) > 0 && bytes.Equal(userKey, cursor) {
				continue
			}
			if end != nil && bytes.Compare(userKey, end) >= 0 {
				break
			}
			if !bytes.Equal(userKey, currentKey) {
				currentKey = append([]byte(nil), userKey...)
				taken = false
			}
			if taken || version > maxVersion {
				continue
			}
			taken = true
			if limit > 0 && len(out) >= limit {
				hasMore = true
				break
			}
			row, tomb := decodeBoltValue(v)
			out = append(out, Entry{Key: currentKey, Row: row, Version: version, Tombstone: tomb})
		}
		return nil
	})
	if err != nil {
		return nil, cursor, false, diag.IO("STG_207", err)
	}
	next := cursor
	if len(out) > 0 {
		next = Cursor(out[len(out)-1].Key)
	}
	return out, next, hasMore, nil
}

func (b *BoltTier) RangeRevNext(table string, cursor Cursor, start, end []byte, maxVersion uint64, limit int) ([]Entry, Cursor, bool, error) {
	var out []Entry
	hasMore := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()

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

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			userKey, version, valid := splitCompositeKey(k)
			if !valid {
				continue
			}
			if len(cursor) > 0 && bytes.Compare(userKey, cursor) >= 0 {
				continue
			}
			if end != nil && bytes.Compare(userKey, end) >= 0 {
				continue
			}
			if start != nil && bytes.Compare(userKey, start) < 0 {
				break
			}
			if !bytes.Equal(userKey, currentKey) {
				if !flush() {
					return nil
				}
				currentKey = append([]byte(nil), userKey...)
			}
			if version <= maxVersion {
				row, tomb := decodeBoltValue(v)
				e := Entry{Key: currentKey, Row: row, Version: version, Tombstone: tomb}
				if best == nil || version > best.Version {
					best = &e
				}
			}
		}
		flush()
		return nil
	})
	if err != nil {
		return nil, cursor, false, diag.IO("STG_207", err)
	}
	next := cursor
	if len(out) > 0 {
		next = Cursor(out[len(out)-1].Key)
	}
	return out, next, hasMore, nil
}

func (b *BoltTier) TakeOlder(table string, cutVersion uint64, limit int) ([]Entry, error) {
	var out []Entry
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			userKey, version, valid := splitCompositeKey(k)
			if !valid || version >= cutVersion {
				continue
			}
			row, tomb := decodeBoltValue(v)
			out = append(out, Entry{Key: userKey, Row: row, Version: version, Tombstone: tomb})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		for _, e := range out {
			if err := bkt.Delete(compositeKey(e.Key, e.Version)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, diag.IO("STG_208", err)
	}
	return out, nil
}

func (b *BoltTier) ApproxSize(table string) (int64, error) {
	var size int64
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			size += int64(len(k) + len(v))
			return nil
		})
	})
	if err != nil {
		return 0, diag.IO("STG_209", err)
	}
	return size, nil
}

func (b *BoltTier) Close() error {
	return b.db.Close()
}
