package flow

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/reifydb/reifydb/pkg/catalog"
	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/schema"
)

// accState is one aggregation accumulator. Count, sum and avg are
// decomposable; min and max fall back to re-reading the group's members on
// removal.
type accState struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	// Seen is false until the first defined value arrives.
	Seen bool `json:"seen"`
}

func (a *accState) add(v schema.Value) {
	a.Count++
	f, ok := numeric(v)
	if !ok {
		return
	}
	a.Sum += f
	if !a.Seen || f < a.Min {
		a.Min = f
	}
	if !a.Seen || f > a.Max {
		a.Max = f
	}
	a.Seen = true
}

func (a *accState) sub(v schema.Value) {
	a.Count--
	if f, ok := numeric(v); ok {
		a.Sum -= f
	}
}

// numeric widens a value for aggregation.
func numeric(v schema.Value) (float64, bool) {
	switch v.Kind {
	case schema.TypeInt1, schema.TypeInt2, schema.TypeInt4, schema.TypeInt8:
		return float64(v.Int), true
	case schema.TypeUint1, schema.TypeUint2, schema.TypeUint4, schema.TypeUint8:
		return float64(v.Uint), true
	case schema.TypeFloat4, schema.TypeFloat8:
		return v.Float, true
	default:
		return 0, false
	}
}

// render produces the output value of one aggregation.
func (a *accState) render(fn string) schema.Value {
	switch fn {
	case "count":
		return schema.NewInt8(a.Count)
	case "sum":
		return schema.NewFloat8(a.Sum)
	case "avg":
		if a.Count == 0 {
			return schema.Undefined()
		}
		return schema.NewFloat8(a.Sum / float64(a.Count))
	case "min":
		if !a.Seen {
			return schema.Undefined()
		}
		return schema.NewFloat8(a.Min)
	case "max":
		if !a.Seen {
			return schema.Undefined()
		}
		return schema.NewFloat8(a.Max)
	default:
		return schema.Undefined()
	}
}

// groupState is the persisted per-group record of an aggregate node.
type groupState struct {
	Rows int64          `json:"rows"`
	Key  []schema.Value `json:"key"`
	Accs []accState     `json:"accs"`
}

// AggregateOperator maintains per-group accumulators keyed by a 128-bit
// group hash. Members live in a side index so non-decomposable aggregates
// can be rebuilt after removals.
type AggregateOperator struct {
	node    uint64
	groupBy []int
	aggs    []catalog.AggSpec
}

// NewAggregateOperator creates an aggregate node.
func NewAggregateOperator(node uint64, groupBy []int, aggs []catalog.AggSpec) *AggregateOperator {
	return &AggregateOperator{node: node, groupBy: groupBy, aggs: aggs}
}

func (a *AggregateOperator) ID() uint64   { return a.node }
func (a *AggregateOperator) Name() string { return "aggregate" }

func groupScope(h Hash128) []byte {
	return append([]byte{'g'}, h[:]...)
}

func memberScope(h Hash128, rowNumber uint64) []byte {
	scope := append([]byte{'m'}, h[:]...)
	return binary.BigEndian.AppendUint64(scope, rowNumber)
}

// groupRowNumber derives the stable output row number of a group.
func groupRowNumber(h Hash128) uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

func (a *AggregateOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	var out Change
	for _, d := range expandUpdates(change) {
		switch d.Op {
		case cdc.OpInsert:
			diffs, err := a.insert(tx, d.Post, d.RowNumber)
			if err != nil {
				return Change{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		case cdc.OpRemove:
			diffs, err := a.remove(tx, d.Pre, d.RowNumber)
			if err != nil {
				return Change{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		}
	}
	return coalesceGroupDiffs(out), nil
}

func (a *AggregateOperator) insert(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	h := hashGroup(row, a.groupBy)
	state, ok, err := a.loadGroup(tx, h)
	if err != nil {
		return nil, err
	}
	var prevRow []schema.Value
	if !ok {
		state = groupState{Accs: make([]accState, len(a.aggs))}
		for _, c := range a.groupBy {
			state.Key = append(state.Key, valueAt(row, c))
		}
	} else {
		prevRow = a.renderGroup(state)
	}

	for i, spec := range a.aggs {
		state.Accs[i].add(valueAt(row, spec.Column))
	}
	state.Rows++

	member, err := encodeRowJSON(row)
	if err != nil {
		return nil, err
	}
	if err := tx.SetState(a.node, memberScope(h, rowNumber), member); err != nil {
		return nil, err
	}
	if err := a.saveGroup(tx, h, state); err != nil {
		return nil, err
	}

	newRow := a.renderGroup(state)
	if prevRow == nil {
		return []Diff{{Op: cdc.OpInsert, RowNumber: groupRowNumber(h), Post: newRow}}, nil
	}
	return []Diff{{Op: cdc.OpUpdate, RowNumber: groupRowNumber(h), Pre: prevRow, Post: newRow}}, nil
}

func (a *AggregateOperator) remove(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	h := hashGroup(row, a.groupBy)
	state, ok, err := a.loadGroup(tx, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, diag.Internal("FLW_020", "remove for unknown aggregate group")
	}
	prevRow := a.renderGroup(state)

	for i, spec := range a.aggs {
		state.Accs[i].sub(valueAt(row, spec.Column))
	}
	state.Rows--
	if err := tx.RemoveState(a.node, memberScope(h, rowNumber)); err != nil {
		return nil, err
	}

	if state.Rows <= 0 {
		if err := tx.RemoveState(a.node, groupScope(h)); err != nil {
			return nil, err
		}
		return []Diff{{Op: cdc.OpRemove, RowNumber: groupRowNumber(h), Pre: prevRow}}, nil
	}

	// min/max cannot be subtracted; rebuild them from the members
	if a.needsRescan() {
		if err := a.rebuildMinMax(tx, h, &state); err != nil {
			return nil, err
		}
	}
	if err := a.saveGroup(tx, h, state); err != nil {
		return nil, err
	}
	newRow := a.renderGroup(state)
	return []Diff{{Op: cdc.OpUpdate, RowNumber: groupRowNumber(h), Pre: prevRow, Post: newRow}}, nil
}

func (a *AggregateOperator) needsRescan() bool {
	for _, spec := range a.aggs {
		if spec.Func == "min" || spec.Func == "max" {
			return true
		}
	}
	return false
}

func (a *AggregateOperator) rebuildMinMax(tx *OpTxn, h Hash128, state *groupState) error {
	for i := range state.Accs {
		state.Accs[i].Seen = false
		state.Accs[i].Min = 0
		state.Accs[i].Max = 0
	}
	prefix := append([]byte{'m'}, h[:]...)
	return tx.ScanState(a.node, prefix, func(scope []byte, row schema.EncodedRow) error {
		values, err := decodeRowJSON(row)
		if err != nil {
			return err
		}
		for i, spec := range a.aggs {
			f, ok := numeric(valueAt(values, spec.Column))
			if !ok {
				continue
			}
			acc := &state.Accs[i]
			if !acc.Seen || f < acc.Min {
				acc.Min = f
			}
			if !acc.Seen || f > acc.Max {
				acc.Max = f
			}
			acc.Seen = true
		}
		return nil
	})
}

func (a *AggregateOperator) loadGroup(tx *OpTxn, h Hash128) (groupState, bool, error) {
	row, ok, err := tx.GetState(a.node, groupScope(h))
	if err != nil || !ok {
		return groupState{}, false, err
	}
	var state groupState
	if err := json.Unmarshal(row, &state); err != nil {
		return groupState{}, false, diag.Invalid("FLW_021", "aggregate state malformed: %v", err)
	}
	return state, true, nil
}

func (a *AggregateOperator) saveGroup(tx *OpTxn, h Hash128, state groupState) error {
	row, err := json.Marshal(state)
	if err != nil {
		return diag.Internal("FLW_022", "aggregate state encode failed: %v", err)
	}
	return tx.SetState(a.node, groupScope(h), schema.EncodedRow(row))
}

// renderGroup builds the group's output row: key columns then aggregates.
func (a *AggregateOperator) renderGroup(state groupState) []schema.Value {
	out := make([]schema.Value, 0, len(state.Key)+len(a.aggs))
	out = append(out, state.Key...)
	for i, spec := range a.aggs {
		out = append(out, state.Accs[i].render(spec.Func))
	}
	return out
}

func valueAt(row []schema.Value, i int) schema.Value {
	if i < 0 || i >= len(row) {
		return schema.Undefined()
	}
	return row[i]
}

// coalesceGroupDiffs merges successive diffs for the same output row into
// the net transition, so one upstream batch yields at most one diff per
// group.
func coalesceGroupDiffs(change Change) Change {
	type slot struct {
		first Diff
		last  Diff
		count int
	}
	byRow := make(map[uint64]*slot)
	var order []uint64
	for _, d := range change.Diffs {
		s, ok := byRow[d.RowNumber]
		if !ok {
			byRow[d.RowNumber] = &slot{first: d, last: d, count: 1}
			order = append(order, d.RowNumber)
			continue
		}
		s.last = d
		s.count++
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var out Change
	for _, rn := range order {
		s := byRow[rn]
		if s.count == 1 {
			out.Diffs = append(out.Diffs, s.first)
			continue
		}
		merged, keep := mergeTransition(s.first, s.last)
		if keep {
			out.Diffs = append(out.Diffs, merged)
		}
	}
	return out
}

// mergeTransition folds the first and last diff of a row into one.
func mergeTransition(first, last Diff) (Diff, bool) {
	switch {
	case first.Op == cdc.OpInsert && last.Op == cdc.OpRemove:
		return Diff{}, false
	case first.Op == cdc.OpInsert:
		return Diff{Op: cdc.OpInsert, RowNumber: first.RowNumber, Post: last.Post}, true
	case last.Op == cdc.OpRemove:
		return Diff{Op: cdc.OpRemove, RowNumber: first.RowNumber, Pre: first.Pre}, true
	default:
		return Diff{Op: cdc.OpUpdate, RowNumber: first.RowNumber, Pre: first.Pre, Post: last.Post}, true
	}
}
