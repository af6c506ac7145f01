package flow

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/schema"
)

// sortKey builds the order-preserving state key of a row under a sort spec.
// The row number tie-breaks equal keys.
func sortKey(row []schema.Value, cols []int, descending bool, rowNumber uint64) []byte {
	out := []byte{'s'}
	for _, c := range cols {
		out = append(out, encodeSortValue(valueAt(row, c), descending)...)
	}
	return binary.BigEndian.AppendUint64(out, rowNumber)
}

// SortOperator maintains an index keyed by the sort expression. Every
// upstream diff updates the index and passes through; downstream operators
// (take) carry their own copy of the sort columns.
type SortOperator struct {
	node       uint64
	sortBy     []int
	descending bool
}

// NewSortOperator creates a sort node.
func NewSortOperator(node uint64, sortBy []int, descending bool) *SortOperator {
	return &SortOperator{node: node, sortBy: sortBy, descending: descending}
}

func (s *SortOperator) ID() uint64   { return s.node }
func (s *SortOperator) Name() string { return "sort" }

func (s *SortOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	for _, d := range expandUpdates(change) {
		switch d.Op {
		case cdc.OpInsert:
			row, err := encodeRowJSON(d.Post)
			if err != nil {
				return Change{}, err
			}
			if err := tx.SetState(s.node, sortKey(d.Post, s.sortBy, s.descending, d.RowNumber), row); err != nil {
				return Change{}, err
			}
		case cdc.OpRemove:
			if err := tx.RemoveState(s.node, sortKey(d.Pre, s.sortBy, s.descending, d.RowNumber)); err != nil {
				return Change{}, err
			}
		}
	}
	return change, nil
}

// sortedEntry is one buffered row of a take operator.
type sortedEntry struct {
	scope     []byte
	rowNumber uint64
	row       []schema.Value
}

// TakeOperator keeps the top-k rows in the upstream sort order. An insert
// displacing a buffered row emits a Remove for the displaced row and an
// Insert for the new one; a remove promotes the next buffered row.
type TakeOperator struct {
	node       uint64
	limit      int
	sortBy     []int
	descending bool
}

// NewTakeOperator creates a take node. The sort spec mirrors the upstream
// sort operator's.
func NewTakeOperator(node uint64, limit uint64, sortBy []int, descending bool) *TakeOperator {
	return &TakeOperator{node: node, limit: int(limit), sortBy: sortBy, descending: descending}
}

func (t *TakeOperator) ID() uint64   { return t.node }
func (t *TakeOperator) Name() string { return "take" }

func (t *TakeOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	var out Change
	for _, d := range expandUpdates(change) {
		before, err := t.entries(tx)
		if err != nil {
			return Change{}, err
		}
		switch d.Op {
		case cdc.OpInsert:
			diffs, err := t.insert(tx, before, d)
			if err != nil {
				return Change{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		case cdc.OpRemove:
			diffs, err := t.remove(tx, before, d)
			if err != nil {
				return Change{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		}
	}
	return out, nil
}

// entries loads the buffered rows in sort order.
func (t *TakeOperator) entries(tx *OpTxn) ([]sortedEntry, error) {
	var out []sortedEntry
	err := tx.ScanState(t.node, []byte{'s'}, func(scope []byte, row schema.EncodedRow) error {
		values, err := decodeRowJSON(row)
		if err != nil {
			return err
		}
		rn := binary.BigEndian.Uint64(scope[len(scope)-8:])
		out = append(out, sortedEntry{scope: append([]byte(nil), scope...), rowNumber: rn, row: values})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// state scopes are length-framed in the encoded key, so re-sort by
	// raw scope bytes to recover the sort-expression order
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].scope, out[j].scope) < 0 })
	return out, nil
}

func (t *TakeOperator) insert(tx *OpTxn, before []sortedEntry, d Diff) ([]Diff, error) {
	scope := sortKey(d.Post, t.sortBy, t.descending, d.RowNumber)
	row, err := encodeRowJSON(d.Post)
	if err != nil {
		return nil, err
	}
	if err := tx.SetState(t.node, scope, row); err != nil {
		return nil, err
	}

	rank := sort.Search(len(before), func(i int) bool {
		return bytes.Compare(before[i].scope, scope) >= 0
	})
	if rank >= t.limit {
		// buffered below the cut, nothing visible changes
		return nil, nil
	}
	diffs := []Diff{{Op: cdc.OpInsert, RowNumber: d.RowNumber, Post: d.Post}}
	if len(before) >= t.limit {
		displaced := before[t.limit-1]
		diffs = append(diffs, Diff{Op: cdc.OpRemove, RowNumber: displaced.rowNumber, Pre: displaced.row})
	}
	return diffs, nil
}

func (t *TakeOperator) remove(tx *OpTxn, before []sortedEntry, d Diff) ([]Diff, error) {
	scope := sortKey(d.Pre, t.sortBy, t.descending, d.RowNumber)
	if err := tx.RemoveState(t.node, scope); err != nil {
		return nil, err
	}
	rank := sort.Search(len(before), func(i int) bool {
		return bytes.Compare(before[i].scope, scope) >= 0
	})
	if rank >= t.limit {
		return nil, nil
	}
	diffs := []Diff{{Op: cdc.OpRemove, RowNumber: d.RowNumber, Pre: d.Pre}}
	if len(before) > t.limit {
		promoted := before[t.limit]
		diffs = append(diffs, Diff{Op: cdc.OpInsert, RowNumber: promoted.rowNumber, Post: promoted.row})
	}
	return diffs, nil
}
