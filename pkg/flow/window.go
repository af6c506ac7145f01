package flow

import (
	"encoding/json"
	"time"

	"github.com/reifydb/reifydb/pkg/catalog"
	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/schema"
)

// windowEvent is one buffered row of a rolling window.
type windowEvent struct {
	Timestamp uint64         `json:"ts"`
	RowNumber uint64         `json:"row_number"`
	Row       []schema.Value `json:"row"`
}

// windowState is the persisted per-group ring of a window node.
type windowState struct {
	Key     []schema.Value `json:"key"`
	Events  []windowEvent  `json:"events"`
	PrevRow []schema.Value `json:"prev_row"`
}

// WindowOperator maintains rolling windows per group, bounded by time or
// count, aggregating through the same accumulator machinery as aggregate.
type WindowOperator struct {
	node    uint64
	spec    catalog.WindowSpec
	groupBy []int
	aggs    []catalog.AggSpec

	// now is swappable for tests.
	now func() time.Time
}

// NewWindowOperator creates a window node.
func NewWindowOperator(node uint64, spec catalog.WindowSpec, groupBy []int, aggs []catalog.AggSpec) *WindowOperator {
	return &WindowOperator{
		node: node, spec: spec, groupBy: groupBy, aggs: aggs,
		now: time.Now,
	}
}

func (w *WindowOperator) ID() uint64   { return w.node }
func (w *WindowOperator) Name() string { return "window" }

func windowScope(h Hash128) []byte {
	return append([]byte{'w'}, h[:]...)
}

func (w *WindowOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	var out Change
	for _, d := range expandUpdates(change) {
		switch d.Op {
		case cdc.OpInsert:
			diffs, err := w.insert(tx, d.Post, d.RowNumber)
			if err != nil {
				return Change{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		case cdc.OpRemove:
			diffs, err := w.remove(tx, d.Pre, d.RowNumber)
			if err != nil {
				return Change{}, err
			}
			out.Diffs = append(out.Diffs, diffs...)
		}
	}
	return out, nil
}

// eventTimestamp extracts the event time in milliseconds, falling back to
// arrival time.
func (w *WindowOperator) eventTimestamp(row []schema.Value) uint64 {
	if w.spec.TimestampColumn >= 0 {
		v := valueAt(row, w.spec.TimestampColumn)
		switch v.Kind {
		case schema.TypeDateTime, schema.TypeDate, schema.TypeTime:
			return uint64(v.Time.UnixMilli())
		case schema.TypeInt1, schema.TypeInt2, schema.TypeInt4, schema.TypeInt8:
			return uint64(v.Int)
		case schema.TypeUint1, schema.TypeUint2, schema.TypeUint4, schema.TypeUint8:
			return v.Uint
		}
	}
	return uint64(w.now().UnixMilli())
}

// evict drops events that left the window.
func (w *WindowOperator) evict(state *windowState, currentTs uint64) {
	switch w.spec.Kind {
	case "time":
		windowMs := uint64(w.spec.Duration.Milliseconds())
		keep := state.Events[:0]
		for _, e := range state.Events {
			if currentTs < windowMs || e.Timestamp > currentTs-windowMs {
				keep = append(keep, e)
			}
		}
		state.Events = keep
	case "count":
		if n := uint64(len(state.Events)); n > w.spec.Count {
			state.Events = state.Events[n-w.spec.Count:]
		}
	}
}

// renderWindow aggregates the buffered events into the group's output row.
func (w *WindowOperator) renderWindow(state windowState) []schema.Value {
	accs := make([]accState, len(w.aggs))
	for _, e := range state.Events {
		for i, spec := range w.aggs {
			accs[i].add(valueAt(e.Row, spec.Column))
		}
	}
	out := make([]schema.Value, 0, len(state.Key)+len(w.aggs))
	out = append(out, state.Key...)
	for i, spec := range w.aggs {
		out = append(out, accs[i].render(spec.Func))
	}
	return out
}

func (w *WindowOperator) insert(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	h := hashGroup(row, w.groupBy)
	state, ok, err := w.load(tx, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		state = windowState{}
		for _, c := range w.groupBy {
			state.Key = append(state.Key, valueAt(row, c))
		}
	}
	wasEmpty := len(state.Events) == 0
	prevRow := state.PrevRow

	ts := w.eventTimestamp(row)
	state.Events = append(state.Events, windowEvent{Timestamp: ts, RowNumber: rowNumber, Row: row})
	w.evict(&state, ts)

	newRow := w.renderWindow(state)
	state.PrevRow = newRow
	if err := w.save(tx, h, state); err != nil {
		return nil, err
	}

	if wasEmpty || prevRow == nil {
		return []Diff{{Op: cdc.OpInsert, RowNumber: groupRowNumber(h), Post: newRow}}, nil
	}
	return []Diff{{Op: cdc.OpUpdate, RowNumber: groupRowNumber(h), Pre: prevRow, Post: newRow}}, nil
}

func (w *WindowOperator) remove(tx *OpTxn, row []schema.Value, rowNumber uint64) ([]Diff, error) {
	h := hashGroup(row, w.groupBy)
	state, ok, err := w.load(tx, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		// the event already rolled out of the window
		return nil, nil
	}
	prevRow := state.PrevRow

	keep := state.Events[:0]
	found := false
	for _, e := range state.Events {
		if !found && e.RowNumber == rowNumber {
			found = true
			continue
		}
		keep = append(keep, e)
	}
	state.Events = keep
	if !found {
		return nil, nil
	}

	if len(state.Events) == 0 {
		if err := tx.RemoveState(w.node, windowScope(h)); err != nil {
			return nil, err
		}
		if prevRow == nil {
			return nil, nil
		}
		return []Diff{{Op: cdc.OpRemove, RowNumber: groupRowNumber(h), Pre: prevRow}}, nil
	}

	newRow := w.renderWindow(state)
	state.PrevRow = newRow
	if err := w.save(tx, h, state); err != nil {
		return nil, err
	}
	return []Diff{{Op: cdc.OpUpdate, RowNumber: groupRowNumber(h), Pre: prevRow, Post: newRow}}, nil
}

func (w *WindowOperator) load(tx *OpTxn, h Hash128) (windowState, bool, error) {
	row, ok, err := tx.GetState(w.node, windowScope(h))
	if err != nil || !ok {
		return windowState{}, false, err
	}
	var state windowState
	if err := json.Unmarshal(row, &state); err != nil {
		return windowState{}, false, diag.Invalid("FLW_040", "window state malformed: %v", err)
	}
	return state, true, nil
}

func (w *WindowOperator) save(tx *OpTxn, h Hash128, state windowState) error {
	row, err := json.Marshal(state)
	if err != nil {
		return diag.Internal("FLW_041", "window state encode failed: %v", err)
	}
	return tx.SetState(w.node, windowScope(h), schema.EncodedRow(row))
}
