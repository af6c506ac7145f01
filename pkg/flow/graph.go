package flow

import (
	"math"

	"github.com/reifydb/reifydb/pkg/catalog"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/metrics"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/txn"
)

// Graph is a runnable flow: the definition compiled against the catalog and
// the expression registry.
type Graph struct {
	Def   catalog.FlowDef
	ops   map[uint64]Operator
	order []catalog.FlowNode

	// Sources maps primitive ids to the source nodes reading them.
	Sources map[uint64][]uint64
	// SourceLayouts decode CDC rows per source node.
	SourceLayouts map[uint64]*schema.Layout
}

// Build compiles a flow definition. Catalog lookups run against the given
// read transaction; expression names resolve through the registry.
func Build(def catalog.FlowDef, reg *Registry, q *txn.QueryTxn) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	g := &Graph{
		Def:           def,
		ops:           make(map[uint64]Operator),
		order:         def.Topological(),
		Sources:       make(map[uint64][]uint64),
		SourceLayouts: make(map[uint64]*schema.Layout),
	}

	widths := make(map[uint64]int)
	for _, n := range g.order {
		switch n.Type {
		case catalog.NodeSourceTable, catalog.NodeSourceView:
			columns, err := primitiveColumns(q, n)
			if err != nil {
				return nil, err
			}
			g.Sources[n.Primitive] = append(g.Sources[n.Primitive], n.ID)
			g.SourceLayouts[n.ID] = catalog.Layout(columns)
			widths[n.ID] = len(columns)

		case catalog.NodeFilter:
			pred, err := reg.Expr(n.Expr)
			if err != nil {
				return nil, err
			}
			g.ops[n.ID] = NewFilterOperator(n.ID, pred)
			widths[n.ID] = widths[n.Inputs[0]]

		case catalog.NodeMap, catalog.NodeExtend:
			exprs := make([]Expr, len(n.Exprs))
			for i, name := range n.Exprs {
				e, err := reg.Expr(name)
				if err != nil {
					return nil, err
				}
				exprs[i] = e
			}
			extend := n.Type == catalog.NodeExtend
			g.ops[n.ID] = NewProjectOperator(n.ID, exprs, extend)
			if extend {
				widths[n.ID] = widths[n.Inputs[0]] + len(exprs)
			} else {
				widths[n.ID] = len(exprs)
			}

		case catalog.NodeAggregate:
			g.ops[n.ID] = NewAggregateOperator(n.ID, n.GroupBy, n.Aggs)
			widths[n.ID] = len(n.GroupBy) + len(n.Aggs)

		case catalog.NodeSort:
			g.ops[n.ID] = NewSortOperator(n.ID, n.SortBy, n.Descending)
			widths[n.ID] = widths[n.Inputs[0]]

		case catalog.NodeTake:
			sortBy, descending := n.SortBy, n.Descending
			if in, ok := def.Node(n.Inputs[0]); ok && in.Type == catalog.NodeSort {
				sortBy, descending = in.SortBy, in.Descending
			}
			g.ops[n.ID] = NewTakeOperator(n.ID, n.Limit, sortBy, descending)
			widths[n.ID] = widths[n.Inputs[0]]

		case catalog.NodeJoinInner, catalog.NodeJoinLeft:
			leftJoin := n.Type == catalog.NodeJoinLeft
			rightWidth := widths[n.Inputs[1]]
			if n.Lazy {
				rn, ok := def.Node(n.Inputs[1])
				if !ok || rn.Primitive == 0 {
					return nil, diag.Invalid("FLW_050",
						"flow %q: lazy join %d needs a materialised right source", def.Name, n.ID)
				}
				columns, err := primitiveColumns(q, rn)
				if err != nil {
					return nil, err
				}
				g.ops[n.ID] = NewLazyJoinOperator(n.ID, leftJoin, n.LeftKeys, n.RightKeys,
					rn.Primitive, catalog.Layout(columns))
			} else {
				g.ops[n.ID] = NewJoinOperator(n.ID, leftJoin, n.LeftKeys, n.RightKeys, rightWidth)
			}
			widths[n.ID] = widths[n.Inputs[0]] + rightWidth

		case catalog.NodeWindow:
			if n.Window == nil {
				return nil, diag.Invalid("FLW_051", "flow %q: window node %d has no window spec", def.Name, n.ID)
			}
			g.ops[n.ID] = NewWindowOperator(n.ID, *n.Window, n.GroupBy, n.Aggs)
			widths[n.ID] = len(n.GroupBy) + len(n.Aggs)

		case catalog.NodeSinkView:
			view, ok, err := catalog.FindViewByID(q, n.Primitive)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, diag.NotFound("FLW_052", "flow %q: sink view %d does not exist", def.Name, n.Primitive)
			}
			g.ops[n.ID] = NewSinkViewOperator(n.ID, view)
			widths[n.ID] = widths[n.Inputs[0]]

		case catalog.NodeSinkSubscription:
			sub, ok, err := catalog.FindSubscriptionByID(q, n.Primitive)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, diag.NotFound("FLW_053", "flow %q: sink subscription %d does not exist", def.Name, n.Primitive)
			}
			g.ops[n.ID] = NewSinkSubscriptionOperator(n.ID, sub)
			widths[n.ID] = widths[n.Inputs[0]]

		case catalog.NodeApply:
			fn, err := reg.Apply(n.Expr)
			if err != nil {
				return nil, err
			}
			g.ops[n.ID] = NewApplyOperator(n.ID, fn)
			widths[n.ID] = widths[n.Inputs[0]]
		}
	}
	return g, nil
}

func primitiveColumns(q *txn.QueryTxn, n catalog.FlowNode) ([]catalog.Column, error) {
	if n.Type == catalog.NodeSourceView {
		view, ok, err := catalog.FindViewByID(q, n.Primitive)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, diag.NotFound("FLW_054", "source view %d does not exist", n.Primitive)
		}
		return view.Columns, nil
	}
	table, ok, err := catalog.FindTableByID(q, n.Primitive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, diag.NotFound("FLW_055", "source table %d does not exist", n.Primitive)
	}
	return table.Columns, nil
}

// Process pushes per-source changes through the operator graph in
// topological order. Sink writes and operator state accumulate in the
// transaction.
func (g *Graph) Process(tx *OpTxn, inputs map[uint64]Change) error {
	outputs := make(map[uint64]Change, len(g.order))
	for _, n := range g.order {
		switch n.Type {
		case catalog.NodeSourceTable, catalog.NodeSourceView:
			outputs[n.ID] = inputs[n.ID]

		case catalog.NodeJoinInner, catalog.NodeJoinLeft:
			join, ok := g.ops[n.ID].(BinaryOperator)
			if !ok {
				return diag.Internal("FLW_056", "join node %d has no binary operator", n.ID)
			}
			var merged Change
			for side, input := range n.Inputs {
				in := outputs[input]
				if in.Empty() {
					continue
				}
				timer := metrics.NewTimer()
				out, err := join.ApplySide(tx, side, in)
				if err != nil {
					return err
				}
				metrics.OperatorApplies.WithLabelValues(join.Name()).Inc()
				timer.ObserveDurationVec(metrics.OperatorApplyDuration, join.Name())
				merged.Diffs = append(merged.Diffs, out.Diffs...)
			}
			outputs[n.ID] = merged

		default:
			in := outputs[n.Inputs[0]]
			if in.Empty() {
				outputs[n.ID] = Change{}
				continue
			}
			op := g.ops[n.ID]
			timer := metrics.NewTimer()
			out, err := op.Apply(tx, in)
			if err != nil {
				return err
			}
			metrics.OperatorApplies.WithLabelValues(op.Name()).Inc()
			timer.ObserveDurationVec(metrics.OperatorApplyDuration, op.Name())
			outputs[n.ID] = out
		}
	}
	return nil
}

// Close erases every state key under the graph's node scopes. Called when
// the flow is dropped.
func (g *Graph) Close(cmd *txn.CommandTxn) error {
	for _, n := range g.Def.Nodes {
		prefix := key.FlowOperatorStatePrefix(n.ID)
		var cursor storage.Cursor
		for {
			batch, err := cmd.Range(prefix, key.PrefixEnd(prefix), cursor, 256)
			if err != nil {
				return err
			}
			for _, item := range batch.Items {
				if err := cmd.Drop(item.Key, math.MaxUint64); err != nil {
					return err
				}
				if err := cmd.Remove(item.Key); err != nil {
					return err
				}
			}
			if !batch.HasMore {
				break
			}
			cursor = batch.Cursor
		}
	}
	return nil
}
