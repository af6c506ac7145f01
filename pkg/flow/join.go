package flow

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cespare/xxhash/v2"

	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
)

// joinEntry is one state-backed row of a join side.
type joinEntry struct {
	rowNumber uint64
	row       []schema.Value
}

// outputRef records which input rows produced one joined output row, so
// removals translate precisely.
type outputRef struct {
	Left  uint64 `json:"left"`
	Right uint64 `json:"right"`
}

// JoinOperator implements inner and left joins over a key-equality
// predicate. The eager strategy state-backs both sides; the lazy strategy
// state-backs only the left side and re-reads the right primitive on
// demand.
type JoinOperator struct {
	node       uint64
	leftJoin   bool
	lazy       bool
	leftKeys   []int
	rightKeys  []int
	rightWidth int

	// lazy strategy: the materialised right side
	rightPrimitive uint64
	rightLayout    *schema.Layout
}

// NewJoinOperator creates an eager hash join.
func NewJoinOperator(node uint64, leftJoin bool, leftKeys, rightKeys []int, rightWidth int) *JoinOperator {
	return &JoinOperator{
		node: node, leftJoin: leftJoin,
		leftKeys: leftKeys, rightKeys: rightKeys, rightWidth: rightWidth,
	}
}

// NewLazyJoinOperator creates a join whose right side is re-queried from a
// materialised primitive instead of being state-backed.
func NewLazyJoinOperator(node uint64, leftJoin bool, leftKeys, rightKeys []int, rightPrimitive uint64, rightLayout *schema.Layout) *JoinOperator {
	return &JoinOperator{
		node: node, leftJoin: leftJoin, lazy: true,
		leftKeys: leftKeys, rightKeys: rightKeys,
		rightWidth:     len(rightLayout.Fields),
		rightPrimitive: rightPrimitive, rightLayout: rightLayout,
	}
}

func (j *JoinOperator) ID() uint64 { return j.node }

func (j *JoinOperator) Name() string {
	if j.leftJoin {
		return "join-left"
	}
	return "join-inner"
}

// Apply treats a single-input feed as the left side.
func (j *JoinOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	return j.ApplySide(tx, 0, change)
}

// ApplySide feeds one side of the join: 0 left, 1 right.
func (j *JoinOperator) ApplySide(tx *OpTxn, side int, change Change) (Change, error) {
	var out Change
	for _, d := range expandUpdates(change) {
		var (
			diffs []Diff
			err   error
		)
		if side == 0 {
			if d.Op == cdc.OpInsert {
				diffs, err = j.leftInsert(tx, d.Post, d.RowNumber)
			} else {
				diffs, err = j.leftRemove(tx, d.Pre, d.RowNumber)
			}
		} else {
			if d.Op == cdc.OpInsert {
				diffs, err = j.rightInsert(tx, d.Post, d.RowNumber)
			} else {
				diffs, err = j.rightRemove(tx, d.Pre, d.RowNumber)
			}
		}
		if err != nil {
			return Change{}, err
		}
		out.Diffs = append(out.Diffs, diffs...)
	}
	return out, nil
}

func joinKeyBytes(row []schema.Value, cols []int) []byte {
	var out []byte
	for _, c := range cols {
		out = append(out, encodeSortValue(valueAt(row, c), false)...)
	}
	return out
}

func sideScope(tag byte, keyBytes []byte, rowNumber uint64) []byte {
	scope := append([]byte{tag}, escapeBytes(keyBytes)...)
	return binary.BigEndian.AppendUint64(scope, rowNumber)
}

func unmatchedScope(rowNumber uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'u'}, rowNumber)
}

// primaryScope records which right row currently occupies a left row's
// stable identity. The output row under the left row's own number is the
// placeholder when unmatched, otherwise the join with this right row;
// secondary matches live under combined row numbers.
func primaryScope(rowNumber uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'p'}, rowNumber)
}

func outputScope(rowNumber uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'o'}, rowNumber)
}

// combineRowNumbers derives the output row number of a joined pair.
func combineRowNumbers(left, right uint64) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], left)
	binary.BigEndian.PutUint64(buf[8:], right)
	return xxhash.Sum64(buf[:])
}

func (j *JoinOperator) joined(left, right []schema.Value) []schema.Value {
	out := make([]schema.Value, 0, len(left)+len(right))
	out = append(out, left...)
	return append(out, right...)
}

// placeholder is a left row padded with undefined right columns.
func (j *JoinOperator) placeholder(left []schema.Value) []schema.Value {
	out := make([]schema.Value, 0, len(left)+j.rightWidth)
	out = append(out, left...)
	for i := 0; i < j.rightWidth; i++ {
		out = append(out, schema.Undefined())
	}
	return out
}

// sideMatches returns the state-backed rows of one side for a join key.
func (j *JoinOperator) sideMatches(tx *OpTxn, tag byte, keyBytes []byte) ([]joinEntry, error) {
	prefix := append([]byte{tag}, escapeBytes(keyBytes)...)
	var out []joinEntry
	err := tx.ScanState(j.node, prefix, func(scope []byte, row schema.EncodedRow) error {
		values, err := decodeRowJSON(row)
		if err != nil {
			return err
		}
		rn := binary.BigEndian.Uint64(scope[len(scope)-8:])
		out = append(out, joinEntry{rowNumber: rn, row: values})
		return nil
	})
	return out, err
}

// rightMatches resolves the right side for a join key under the configured
// strategy.
func (j *JoinOperator) rightMatches(tx *OpTxn, keyBytes []byte) ([]joinEntry, error) {
	if !j.lazy {
		return j.sideMatches(tx, 'r', keyBytes)
	}
	var out []joinEntry
	prefix := key.RowPrefix(j.rightPrimitive)
	var cursor storage.Cursor
	for {
		batch, err := tx.Rows.Range(prefix, key.PrefixEnd(prefix), cursor, 256)
		if err != nil {
			return nil, err
		}
		for _, item := range batch.Items {
			values, err := j.rightLayout.Decode(item.Row)
			if err != nil {
				return nil, err
			}
			if !bytesEqual(joinKeyBytes(values, j.rightKeys), keyBytes) {
				continue
			}
			decoded, err := key.Decode(item.Key)
			if err != nil {
				return nil, err
			}
			rk, ok := decoded.(key.Row)
			if !ok {
				return nil, diag.Internal("FLW_030", "non-row key under primitive prefix")
			}
			out = append(out, joinEntry{rowNumber: rk.RowNumber, row: values})
		}
		if !batch.HasMore {
			return out, nil
		}
		cursor = batch.Cursor
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (j *JoinOperator) saveOutput(tx *OpTxn, outRn, leftRn, rightRn uint64) error {
	ref, err := json.Marshal(outputRef{Left: leftRn, Right: rightRn})
	if err != nil {
		return diag.Internal("FLW_031", "join output ref encode failed: %v", err)
	}
	return tx.SetState(j.node, outputScope(outRn), schema.EncodedRow(ref))
}

func (j *JoinOperator) primaryRight(tx *OpTxn, leftRn uint64) (uint64, bool, error) {
	row, ok, err := tx.GetState(j.node, primaryScope(leftRn))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(row) != 8 {
		return 0, false, diag.Internal("FLW_032", "join primary record malformed")
	}
	return binary.BigEndian.Uint64(row), true, nil
}

func (j *JoinOperator) setPrimary(tx *OpTxn, leftRn, rightRn uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rightRn)
	return tx.SetState(j.node, primaryScope(leftRn), schema.EncodedRow(buf))
}

func (j *JoinOperator) leftInsert(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	kb := joinKeyBytes(row, j.leftKeys)
	encoded, err := encodeRowJSON(row)
	if err != nil {
		return nil, err
	}
	if err := tx.SetState(j.node, sideScope('l', kb, rowNumber), encoded); err != nil {
		return nil, err
	}

	matches, err := j.rightMatches(tx, kb)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		if !j.leftJoin {
			return nil, nil
		}
		if err := tx.SetState(j.node, unmatchedScope(rowNumber), encoded); err != nil {
			return nil, err
		}
		return []Diff{{Op: cdc.OpInsert, RowNumber: rowNumber, Post: j.placeholder(row)}}, nil
	}

	var out []Diff
	for i, m := range matches {
		outRn := combineRowNumbers(rowNumber, m.rowNumber)
		if j.leftJoin && i == 0 {
			// the first match takes the left row's stable identity
			outRn = rowNumber
			if err := j.setPrimary(tx, rowNumber, m.rowNumber); err != nil {
				return nil, err
			}
		}
		if err := j.saveOutput(tx, outRn, rowNumber, m.rowNumber); err != nil {
			return nil, err
		}
		out = append(out, Diff{Op: cdc.OpInsert, RowNumber: outRn, Post: j.joined(row, m.row)})
	}
	return out, nil
}

func (j *JoinOperator) leftRemove(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	kb := joinKeyBytes(row, j.leftKeys)
	if err := tx.RemoveState(j.node, sideScope('l', kb, rowNumber)); err != nil {
		return nil, err
	}

	matches, err := j.rightMatches(tx, kb)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		if !j.leftJoin {
			return nil, nil
		}
		if _, ok, err := tx.GetState(j.node, unmatchedScope(rowNumber)); err != nil {
			return nil, err
		} else if ok {
			if err := tx.RemoveState(j.node, unmatchedScope(rowNumber)); err != nil {
				return nil, err
			}
			return []Diff{{Op: cdc.OpRemove, RowNumber: rowNumber, Pre: j.placeholder(row)}}, nil
		}
		return nil, nil
	}

	var out []Diff
	for _, m := range matches {
		outRn := combineRowNumbers(rowNumber, m.rowNumber)
		if j.leftJoin {
			if prn, ok, err := j.primaryRight(tx, rowNumber); err != nil {
				return nil, err
			} else if ok && prn == m.rowNumber {
				outRn = rowNumber
				if err := tx.RemoveState(j.node, primaryScope(rowNumber)); err != nil {
					return nil, err
				}
			}
		}
		if err := tx.RemoveState(j.node, outputScope(outRn)); err != nil {
			return nil, err
		}
		out = append(out, Diff{Op: cdc.OpRemove, RowNumber: outRn, Pre: j.joined(row, m.row)})
	}
	return out, nil
}

func (j *JoinOperator) rightInsert(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	kb := joinKeyBytes(row, j.rightKeys)
	if !j.lazy {
		encoded, err := encodeRowJSON(row)
		if err != nil {
			return nil, err
		}
		if err := tx.SetState(j.node, sideScope('r', kb, rowNumber), encoded); err != nil {
			return nil, err
		}
	}

	lefts, err := j.sideMatches(tx, 'l', kb)
	if err != nil {
		return nil, err
	}
	var out []Diff
	for _, lm := range lefts {
		if j.leftJoin {
			if _, ok, err := tx.GetState(j.node, unmatchedScope(lm.rowNumber)); err != nil {
				return nil, err
			} else if ok {
				// the placeholder becomes the joined row in place:
				// one Update under the left row's own number
				if err := tx.RemoveState(j.node, unmatchedScope(lm.rowNumber)); err != nil {
					return nil, err
				}
				if err := j.setPrimary(tx, lm.rowNumber, rowNumber); err != nil {
					return nil, err
				}
				if err := j.saveOutput(tx, lm.rowNumber, lm.rowNumber, rowNumber); err != nil {
					return nil, err
				}
				out = append(out, Diff{
					Op:        cdc.OpUpdate,
					RowNumber: lm.rowNumber,
					Pre:       j.placeholder(lm.row),
					Post:      j.joined(lm.row, row),
				})
				continue
			}
		}
		outRn := combineRowNumbers(lm.rowNumber, rowNumber)
		if err := j.saveOutput(tx, outRn, lm.rowNumber, rowNumber); err != nil {
			return nil, err
		}
		out = append(out, Diff{Op: cdc.OpInsert, RowNumber: outRn, Post: j.joined(lm.row, row)})
	}
	return out, nil
}

func (j *JoinOperator) rightRemove(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	kb := joinKeyBytes(row, j.rightKeys)
	if !j.lazy {
		if err := tx.RemoveState(j.node, sideScope('r', kb, rowNumber)); err != nil {
			return nil, err
		}
	}

	lefts, err := j.sideMatches(tx, 'l', kb)
	if err != nil {
		return nil, err
	}
	var out []Diff
	for _, lm := range lefts {
		if j.leftJoin {
			prn, ok, err := j.primaryRight(tx, lm.rowNumber)
			if err != nil {
				return nil, err
			}
			if ok && prn == rowNumber {
				diffs, err := j.demotePrimary(tx, kb, lm, row)
				if err != nil {
					return nil, err
				}
				out = append(out, diffs...)
				continue
			}
		}
		outRn := combineRowNumbers(lm.rowNumber, rowNumber)
		if err := tx.RemoveState(j.node, outputScope(outRn)); err != nil {
			return nil, err
		}
		out = append(out, Diff{Op: cdc.OpRemove, RowNumber: outRn, Pre: j.joined(lm.row, row)})
	}
	return out, nil
}

// demotePrimary handles the removal of the right row occupying a left row's
// stable identity: a remaining match is folded into that identity, or the
// row reverts to its placeholder. Either way the left row number survives
// as one Update.
func (j *JoinOperator) demotePrimary(tx *OpTxn, kb []byte, lm joinEntry, rightRow []schema.Value) ([]Diff, error) {
	remaining, err := j.rightMatches(tx, kb)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		if err := tx.RemoveState(j.node, primaryScope(lm.rowNumber)); err != nil {
			return nil, err
		}
		if err := tx.RemoveState(j.node, outputScope(lm.rowNumber)); err != nil {
			return nil, err
		}
		encoded, err := encodeRowJSON(lm.row)
		if err != nil {
			return nil, err
		}
		if err := tx.SetState(j.node, unmatchedScope(lm.rowNumber), encoded); err != nil {
			return nil, err
		}
		return []Diff{{
			Op:        cdc.OpUpdate,
			RowNumber: lm.rowNumber,
			Pre:       j.joined(lm.row, rightRow),
			Post:      j.placeholder(lm.row),
		}}, nil
	}

	// fold the promoted pair into the left identity and retract its old
	// secondary row
	promo := remaining[0]
	if err := tx.RemoveState(j.node, outputScope(combineRowNumbers(lm.rowNumber, promo.rowNumber))); err != nil {
		return nil, err
	}
	if err := j.setPrimary(tx, lm.rowNumber, promo.rowNumber); err != nil {
		return nil, err
	}
	if err := j.saveOutput(tx, lm.rowNumber, lm.rowNumber, promo.rowNumber); err != nil {
		return nil, err
	}
	return []Diff{
		{
			Op:        cdc.OpRemove,
			RowNumber: combineRowNumbers(lm.rowNumber, promo.rowNumber),
			Pre:       j.joined(lm.row, promo.row),
		},
		{
			Op:        cdc.OpUpdate,
			RowNumber: lm.rowNumber,
			Pre:       j.joined(lm.row, rightRow),
			Post:      j.joined(lm.row, promo.row),
		},
	}, nil
}
