package flow

import (
	"encoding/json"

	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/schema"
)

// Operator is one node of a running flow graph. Apply transforms upstream
// changes into downstream changes, mutating persistent state through tx.
// State writes commit atomically with the consumer checkpoint, which makes
// Apply idempotent across crashes.
type Operator interface {
	ID() uint64
	Name() string
	Apply(tx *OpTxn, change Change) (Change, error)
}

// BinaryOperator is implemented by joins, which consume two edges.
type BinaryOperator interface {
	Operator
	// ApplySide feeds a change arriving on one input: 0 left, 1 right.
	ApplySide(tx *OpTxn, side int, change Change) (Change, error)
}

// expandUpdates rewrites every Update diff into Remove(pre) + Insert(post),
// for operators that reason per row.
func expandUpdates(change Change) []Diff {
	out := make([]Diff, 0, len(change.Diffs))
	for _, d := range change.Diffs {
		if d.Op == cdc.OpUpdate {
			out = append(out,
				Diff{Op: cdc.OpRemove, RowNumber: d.RowNumber, Pre: d.Pre},
				Diff{Op: cdc.OpInsert, RowNumber: d.RowNumber, Post: d.Post},
			)
			continue
		}
		out = append(out, d)
	}
	return out
}

// truthy reports whether a predicate output accepts the row.
func truthy(v schema.Value) bool {
	return v.Kind == schema.TypeBool && v.Bool
}

// FilterOperator drops rows failing a boolean predicate. Stateless. Updates
// that cross the predicate boundary are rewritten: a row leaving the
// predicate emits Remove(pre), a row entering emits Insert(post).
type FilterOperator struct {
	node uint64
	pred Expr
}

// NewFilterOperator creates a filter around a registered predicate.
func NewFilterOperator(node uint64, pred Expr) *FilterOperator {
	return &FilterOperator{node: node, pred: pred}
}

func (f *FilterOperator) ID() uint64   { return f.node }
func (f *FilterOperator) Name() string { return "filter" }

func (f *FilterOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	pre := &Batch{}
	post := &Batch{}
	for _, d := range change.Diffs {
		pre.Rows = append(pre.Rows, d.Pre)
		post.Rows = append(post.Rows, d.Post)
		pre.RowNumbers = append(pre.RowNumbers, d.RowNumber)
		post.RowNumbers = append(post.RowNumbers, d.RowNumber)
	}
	preOK, err := f.evaluate(pre)
	if err != nil {
		return Change{}, err
	}
	postOK, err := f.evaluate(post)
	if err != nil {
		return Change{}, err
	}

	var out Change
	for i, d := range change.Diffs {
		switch d.Op {
		case cdc.OpInsert:
			if postOK[i] {
				out.Diffs = append(out.Diffs, d)
			}
		case cdc.OpRemove:
			if preOK[i] {
				out.Diffs = append(out.Diffs, d)
			}
		case cdc.OpUpdate:
			switch {
			case preOK[i] && postOK[i]:
				out.Diffs = append(out.Diffs, d)
			case preOK[i]:
				out.Diffs = append(out.Diffs, Diff{Op: cdc.OpRemove, RowNumber: d.RowNumber, Pre: d.Pre})
			case postOK[i]:
				out.Diffs = append(out.Diffs, Diff{Op: cdc.OpInsert, RowNumber: d.RowNumber, Post: d.Post})
			}
		}
	}
	return out, nil
}

// evaluate runs the predicate over rows, treating absent rows as rejected.
func (f *FilterOperator) evaluate(b *Batch) ([]bool, error) {
	out := make([]bool, len(b.Rows))
	present := &Batch{}
	var idx []int
	for i, row := range b.Rows {
		if row != nil {
			present.Rows = append(present.Rows, row)
			present.RowNumbers = append(present.RowNumbers, b.RowNumbers[i])
			idx = append(idx, i)
		}
	}
	if len(present.Rows) == 0 {
		return out, nil
	}
	col, err := f.pred(present)
	if err != nil {
		return nil, err
	}
	if len(col) != len(present.Rows) {
		return nil, diag.Invalid("FLW_012", "predicate returned %d values for %d rows", len(col), len(present.Rows))
	}
	for i, v := range col {
		out[idx[i]] = truthy(v)
	}
	return out, nil
}

// ProjectOperator implements map and extend. Stateless; row numbers are
// preserved. Map replaces the schema with the projected columns, extend
// appends them to the upstream row.
type ProjectOperator struct {
	node   uint64
	exprs  []Expr
	extend bool
}

// NewProjectOperator creates a map (extend=false) or extend operator.
func NewProjectOperator(node uint64, exprs []Expr, extend bool) *ProjectOperator {
	return &ProjectOperator{node: node, exprs: exprs, extend: extend}
}

func (p *ProjectOperator) ID() uint64 { return p.node }

func (p *ProjectOperator) Name() string {
	if p.extend {
		return "extend"
	}
	return "map"
}

func (p *ProjectOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	out := Change{Diffs: make([]Diff, len(change.Diffs))}
	for i, d := range change.Diffs {
		nd := Diff{Op: d.Op, RowNumber: d.RowNumber}
		if d.Pre != nil {
			row, err := p.projectRow(d.Pre, d.RowNumber)
			if err != nil {
				return Change{}, err
			}
			nd.Pre = row
		}
		if d.Post != nil {
			row, err := p.projectRow(d.Post, d.RowNumber)
			if err != nil {
				return Change{}, err
			}
			nd.Post = row
		}
		out.Diffs[i] = nd
	}
	return out, nil
}

func (p *ProjectOperator) projectRow(row []schema.Value, rowNumber uint64) ([]schema.Value, error) {
	b := &Batch{Rows: [][]schema.Value{row}, RowNumbers: []uint64{rowNumber}}
	var out []schema.Value
	if p.extend {
		out = append(out, row...)
	}
	for _, expr := range p.exprs {
		col, err := expr(b)
		if err != nil {
			return nil, err
		}
		if len(col) != 1 {
			return nil, diag.Invalid("FLW_012", "projection returned %d values for 1 row", len(col))
		}
		out = append(out, col[0])
	}
	return out, nil
}

// ApplyOperator delegates to a registered whole-change transform.
type ApplyOperator struct {
	node uint64
	fn   ApplyFn
}

// NewApplyOperator creates an apply node around a registered transform.
func NewApplyOperator(node uint64, fn ApplyFn) *ApplyOperator {
	return &ApplyOperator{node: node, fn: fn}
}

func (a *ApplyOperator) ID() uint64   { return a.node }
func (a *ApplyOperator) Name() string { return "apply" }

func (a *ApplyOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	return a.fn(tx, change)
}

// encodeRowJSON serialises row values for operator state records.
func encodeRowJSON(values []schema.Value) (schema.EncodedRow, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return nil, diag.Internal("FLW_013", "state row encode failed: %v", err)
	}
	return schema.EncodedRow(b), nil
}

// decodeRowJSON reverses encodeRowJSON.
func decodeRowJSON(row schema.EncodedRow) ([]schema.Value, error) {
	var values []schema.Value
	if err := json.Unmarshal(row, &values); err != nil {
		return nil, diag.Invalid("FLW_014", "state row malformed: %v", err)
	}
	return values, nil
}
