package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/store"
	"github.com/reifydb/reifydb/pkg/txn"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestManager(t *testing.T) *txn.Manager {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.EvictInterval = 0
	s, err := store.New(cfg, storage.NewMemoryTier())
	require.NoError(t, err)
	m := txn.NewManager(s, txn.Config{WaitTimeout: 250 * time.Millisecond}, nil)
	t.Cleanup(func() {
		m.Close()
		s.Close()
	})
	return m
}

// TestCreateAndFind tests object storage and lookups
func TestCreateAndFind(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.BeginAdmin()
	require.NoError(t, err)

	ns, err := CreateNamespace(tx, "app")
	require.NoError(t, err)

	columns := []Column{
		{Name: "id", Type: schema.TypeInt8},
		{Name: "name", Type: schema.TypeUtf8, Nullable: true},
	}
	tableID, err := CreateTable(tx, ns, "users", columns)
	require.NoError(t, err)
	assert.NotEqual(t, ns, tableID)

	_, err = tx.Commit()
	require.NoError(t, err)

	q := m.BeginQuery()
	table, ok, err := FindTableByID(q, tableID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "users", table.Name)
	assert.Len(t, table.Columns, 2)

	table, ok, err = FindTableByName(q, "users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tableID, table.ID)

	_, ok, err = FindTableByID(q, 9999)
	require.NoError(t, err)
	assert.False(t, ok)

	tables, err := ListTables(q)
	require.NoError(t, err)
	assert.Len(t, tables, 1)
}

// TestAdminRequired tests that plain command transactions cannot mutate the
// catalog
func TestAdminRequired(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = CreateNamespace(tx, "nope")
	require.Error(t, err)
	assert.True(t, diag.IsKind(err, diag.KindInvalid))
}

// TestRowNumbersMonotonic tests per-primitive row number assignment
func TestRowNumbersMonotonic(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	defer tx.Rollback()

	var last uint64
	for i := 0; i < 5; i++ {
		n, err := NextRowNumber(tx, 7)
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, last+1, n)
		}
		last = n
	}

	// independent per primitive
	n, err := NextRowNumber(tx, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func flowNodes() []FlowNode {
	return []FlowNode{
		{ID: 1, Type: NodeSourceTable, Primitive: 10},
		{ID: 2, Type: NodeFilter, Inputs: []uint64{1}, Expr: "pred"},
		{ID: 3, Type: NodeSinkView, Inputs: []uint64{2}, Primitive: 11},
	}
}

// TestFlowValidate tests graph validation
func TestFlowValidate(t *testing.T) {
	def := FlowDef{Name: "f", Nodes: flowNodes(), Sink: 3}
	require.NoError(t, def.Validate())

	// unknown sink
	bad := FlowDef{Name: "f", Nodes: flowNodes(), Sink: 99}
	assert.Error(t, bad.Validate())

	// missing input
	nodes := flowNodes()
	nodes[1].Inputs = []uint64{42}
	bad = FlowDef{Name: "f", Nodes: nodes, Sink: 3}
	assert.Error(t, bad.Validate())

	// join arity
	nodes = flowNodes()
	nodes[1].Type = NodeJoinInner
	bad = FlowDef{Name: "f", Nodes: nodes, Sink: 3}
	assert.Error(t, bad.Validate())
}

// TestFlowCycleDetection tests the set-based cycle check
func TestFlowCycleDetection(t *testing.T) {
	def := FlowDef{
		Name: "cyclic",
		Nodes: []FlowNode{
			{ID: 1, Type: NodeFilter, Inputs: []uint64{2}, Expr: "a"},
			{ID: 2, Type: NodeFilter, Inputs: []uint64{1}, Expr: "b"},
			{ID: 3, Type: NodeSinkView, Inputs: []uint64{2}, Primitive: 11},
		},
		Sink: 3,
	}
	err := def.Validate()
	require.Error(t, err)
	assert.True(t, diag.IsKind(err, diag.KindInvalid))
}

// TestFlowTopological tests that inputs precede consumers
func TestFlowTopological(t *testing.T) {
	def := FlowDef{Name: "f", Nodes: flowNodes(), Sink: 3}
	order := def.Topological()
	require.Len(t, order, 3)
	pos := make(map[uint64]int)
	for i, n := range order {
		pos[n.ID] = i
	}
	for _, n := range def.Nodes {
		for _, in := range n.Inputs {
			assert.Less(t, pos[in], pos[n.ID])
		}
	}
}

// TestCreateFlowRoundTrip tests storing and loading a definition
func TestCreateFlowRoundTrip(t *testing.T) {
	m := newTestManager(t)

	tx, err := m.BeginAdmin()
	require.NoError(t, err)
	id, err := CreateFlow(tx, FlowDef{Name: "f", Nodes: flowNodes(), Sink: 3})
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)

	q := m.BeginQuery()
	def, ok, err := FindFlowByID(q, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f", def.Name)
	assert.Len(t, def.Nodes, 3)

	flows, err := ListFlows(q)
	require.NoError(t, err)
	assert.Len(t, flows, 1)
}
