package catalog

import (
	"encoding/json"
	"time"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/txn"
)

// NodeType enumerates flow operator kinds. The set is closed; workers
// dispatch through a match on it rather than per-operator vtables.
type NodeType string

const (
	NodeSourceTable      NodeType = "source-table"
	NodeSourceView       NodeType = "source-view"
	NodeFilter           NodeType = "filter"
	NodeMap              NodeType = "map"
	NodeExtend           NodeType = "extend"
	NodeAggregate        NodeType = "aggregate"
	NodeSort             NodeType = "sort"
	NodeTake             NodeType = "take"
	NodeJoinInner        NodeType = "join-inner"
	NodeJoinLeft         NodeType = "join-left"
	NodeWindow           NodeType = "window"
	NodeSinkView         NodeType = "sink-view"
	NodeSinkSubscription NodeType = "sink-subscription"
	NodeApply            NodeType = "apply"
)

// AggSpec describes one aggregation of an aggregate or window node.
type AggSpec struct {
	// Func is one of count, sum, avg, min, max.
	Func string `json:"func"`
	// Column is the input column index; ignored for count.
	Column int `json:"column"`
	// As names the output column.
	As string `json:"as"`
}

// WindowSpec configures a window node.
type WindowSpec struct {
	// Kind is "time" or "count".
	Kind string `json:"kind"`
	// Duration bounds time windows.
	Duration time.Duration `json:"duration"`
	// Count bounds count windows.
	Count uint64 `json:"count"`
	// TimestampColumn is the input column carrying event time; -1 uses
	// arrival time.
	TimestampColumn int `json:"timestamp_column"`
}

// FlowNode is one vertex of a flow graph. Inputs refer to upstream nodes by
// id; the closed parameter set keeps definitions serialisable.
type FlowNode struct {
	ID     uint64   `json:"id"`
	Type   NodeType `json:"type"`
	Inputs []uint64 `json:"inputs"`

	// Primitive binds source and sink nodes to a catalog primitive.
	Primitive uint64 `json:"primitive,omitempty"`
	// Expr names a registered expression for filter/apply.
	Expr string `json:"expr,omitempty"`
	// Exprs names one registered expression per output column for
	// map/extend.
	Exprs []string `json:"exprs,omitempty"`
	// GroupBy lists grouping column indices for aggregate and window.
	GroupBy []int `json:"group_by,omitempty"`
	// Aggs lists aggregations for aggregate and window.
	Aggs []AggSpec `json:"aggs,omitempty"`
	// SortBy lists ordering column indices for sort.
	SortBy []int `json:"sort_by,omitempty"`
	// Descending flips the sort order.
	Descending bool `json:"descending,omitempty"`
	// Limit bounds take.
	Limit uint64 `json:"limit,omitempty"`
	// LeftKeys and RightKeys are the join key-equality column indices.
	LeftKeys  []int `json:"left_keys,omitempty"`
	RightKeys []int `json:"right_keys,omitempty"`
	// Lazy selects the lazy-right join strategy.
	Lazy bool `json:"lazy,omitempty"`
	// Window configures window nodes.
	Window *WindowSpec `json:"window,omitempty"`
	// Columns declares the output schema where it changes (map, extend,
	// aggregate, window).
	Columns []Column `json:"columns,omitempty"`
}

// FlowDef is a stored flow definition: a DAG of operator nodes ending in a
// sink. Flow definitions are ordinary catalog objects; creating one emits a
// CDC event the coordinator reacts to.
type FlowDef struct {
	ID    uint64     `json:"id"`
	Name  string     `json:"name"`
	Nodes []FlowNode `json:"nodes"`
	// Sink is the id of the terminal node.
	Sink uint64 `json:"sink"`
}

// Node returns a node by id.
func (f *FlowDef) Node(id uint64) (FlowNode, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return FlowNode{}, false
}

// Sources returns the graph's source nodes.
func (f *FlowDef) Sources() []FlowNode {
	var out []FlowNode
	for _, n := range f.Nodes {
		if n.Type == NodeSourceTable || n.Type == NodeSourceView {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks the graph: known node types, resolvable inputs, a sink
// that exists, and no reference cycles (set-based traversal).
func (f *FlowDef) Validate() error {
	byID := make(map[uint64]FlowNode, len(f.Nodes))
	for _, n := range f.Nodes {
		if _, dup := byID[n.ID]; dup {
			return diag.Invalid("FLW_001", "flow %q: duplicate node id %d", f.Name, n.ID)
		}
		byID[n.ID] = n
	}
	if _, ok := byID[f.Sink]; !ok {
		return diag.Invalid("FLW_002", "flow %q: sink node %d does not exist", f.Name, f.Sink)
	}
	for _, n := range f.Nodes {
		for _, in := range n.Inputs {
			if _, ok := byID[in]; !ok {
				return diag.Invalid("FLW_003", "flow %q: node %d reads missing node %d", f.Name, n.ID, in)
			}
		}
		switch n.Type {
		case NodeSourceTable, NodeSourceView:
			if len(n.Inputs) != 0 {
				return diag.Invalid("FLW_004", "flow %q: source node %d has inputs", f.Name, n.ID)
			}
		case NodeJoinInner, NodeJoinLeft:
			if len(n.Inputs) != 2 {
				return diag.Invalid("FLW_005", "flow %q: join node %d needs two inputs", f.Name, n.ID)
			}
		case NodeFilter, NodeMap, NodeExtend, NodeAggregate, NodeSort, NodeTake,
			NodeWindow, NodeSinkView, NodeSinkSubscription, NodeApply:
			if len(n.Inputs) != 1 {
				return diag.Invalid("FLW_006", "flow %q: node %d needs one input", f.Name, n.ID)
			}
		default:
			return diag.Invalid("FLW_007", "flow %q: unknown node type %q", f.Name, n.Type)
		}
	}

	// cycle detection: colour nodes while walking input edges
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[uint64]int, len(f.Nodes))
	var visit func(id uint64) error
	visit = func(id uint64) error {
		switch colour[id] {
		case grey:
			return diag.Invalid("FLW_008", "flow %q: reference cycle through node %d", f.Name, id)
		case black:
			return nil
		}
		colour[id] = grey
		for _, in := range byID[id].Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		colour[id] = black
		return nil
	}
	for _, n := range f.Nodes {
		if err := visit(n.ID); err != nil {
			return err
		}
	}
	return nil
}

// Topological returns the nodes sources-first; inputs always precede
// consumers. Validate must have passed.
func (f *FlowDef) Topological() []FlowNode {
	visited := make(map[uint64]bool, len(f.Nodes))
	var order []FlowNode
	var visit func(id uint64)
	visit = func(id uint64) {
		if visited[id] {
			return
		}
		visited[id] = true
		n, _ := f.Node(id)
		for _, in := range n.Inputs {
			visit(in)
		}
		order = append(order, n)
	}
	for _, n := range f.Nodes {
		visit(n.ID)
	}
	return order
}

// CreateFlow validates and stores a flow definition, reserving ids for the
// flow and any node without one. The insert's CDC event is what the
// coordinator observes to spawn a worker.
func CreateFlow(tx *txn.CommandTxn, def FlowDef) (uint64, error) {
	if err := requireAdmin(tx); err != nil {
		return 0, err
	}
	id, err := NextID(tx)
	if err != nil {
		return 0, err
	}
	def.ID = id
	for i := range def.Nodes {
		if def.Nodes[i].ID == 0 {
			nodeID, err := NextID(tx)
			if err != nil {
				return 0, err
			}
			def.Nodes[i].ID = nodeID
		}
	}
	if err := def.Validate(); err != nil {
		return 0, err
	}
	return id, putObject(tx, ObjectFlow, id, def)
}

// FindFlowByID loads a flow definition.
func FindFlowByID(tx reads, id uint64) (FlowDef, bool, error) {
	var f FlowDef
	ok, err := getObject(tx, ObjectFlow, id, &f)
	return f, ok, err
}

// ListFlows returns every stored flow definition.
func ListFlows(tx reads) ([]FlowDef, error) {
	var out []FlowDef
	err := listObjects(tx, ObjectFlow, func(row schema.EncodedRow) error {
		var f FlowDef
		if err := json.Unmarshal(row, &f); err != nil {
			return diag.Invalid("CAT_003", "flow record malformed: %v", err)
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

// DecodeFlow parses a flow definition from its stored row.
func DecodeFlow(row schema.EncodedRow) (FlowDef, error) {
	var f FlowDef
	if err := json.Unmarshal(row, &f); err != nil {
		return FlowDef{}, diag.Invalid("CAT_003", "flow record malformed: %v", err)
	}
	return f, nil
}

// DropFlow removes the definition. Operator state cleanup belongs to the
// flow engine, which owns the node key scopes.
func DropFlow(tx *txn.CommandTxn, id uint64) error {
	return DropObject(tx, ObjectFlow, id)
}
