package cdc

import (
	"math"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/store"
)

// Batch is one page of CDC entries in ascending (version, sequence) order.
type Batch struct {
	Items   []Entry
	Cursor  storage.Cursor
	HasMore bool
}

// Reader serves ordered CDC ranges from the tiered store.
type Reader struct {
	store *store.Store
}

// NewReader creates a reader over the store's CDC table.
func NewReader(s *store.Store) *Reader {
	return &Reader{store: s}
}

// Range returns CDC entries with fromVersion <= version <= toVersion.
// toVersion zero means unbounded. Iteration resumes from the cursor.
func (r *Reader) Range(fromVersion, toVersion uint64, cursor storage.Cursor, limit int) (Batch, error) {
	start := key.CdcVersionPrefix(fromVersion)
	var end key.EncodedKey
	if toVersion == 0 || toVersion == math.MaxUint64 {
		end = key.PrefixEnd(key.CdcPrefix())
	} else {
		end = key.PrefixEnd(key.CdcVersionPrefix(toVersion))
	}

	page, err := r.store.RangeRaw(storage.TableCdc, start, end, math.MaxUint64, cursor, limit)
	if err != nil {
		return Batch{}, err
	}

	items := make([]Entry, 0, len(page.Entries))
	for _, e := range page.Entries {
		decoded, err := key.Decode(key.EncodedKey(e.Key))
		if err != nil {
			return Batch{}, err
		}
		ck, ok := decoded.(key.Cdc)
		if !ok {
			return Batch{}, diag.Internal("CDC_010", "non-cdc key in cdc table")
		}
		change, err := DecodeChange(e.Row)
		if err != nil {
			return Batch{}, err
		}
		items = append(items, Entry{Version: ck.Version, Sequence: ck.Sequence, Change: change})
	}
	return Batch{Items: items, Cursor: page.Cursor, HasMore: page.HasMore}, nil
}

// CountAt returns the number of CDC entries recorded for one version.
func (r *Reader) CountAt(version uint64) (int, error) {
	count := 0
	var cursor storage.Cursor
	for {
		batch, err := r.Range(version, version, cursor, 256)
		if err != nil {
			return 0, err
		}
		count += len(batch.Items)
		if !batch.HasMore {
			return count, nil
		}
		cursor = batch.Cursor
	}
}
