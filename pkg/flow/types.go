package flow

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/txn"
)

// Diff is one row-level change travelling through a flow graph.
type Diff struct {
	Op        cdc.ChangeOp
	RowNumber uint64
	// Pre is the row before the change (update, remove).
	Pre []schema.Value
	// Post is the row after the change (insert, update).
	Post []schema.Value
}

// Change is a batch of diffs flowing along one graph edge.
type Change struct {
	Diffs []Diff
}

// Empty reports whether the change carries no diffs.
func (c Change) Empty() bool { return len(c.Diffs) == 0 }

// Batch is a column-oriented view over a set of rows, handed to opaque
// expression callables.
type Batch struct {
	Layout     *schema.Layout
	Rows       [][]schema.Value
	RowNumbers []uint64
}

// RowCount returns the number of rows.
func (b *Batch) RowCount() int { return len(b.Rows) }

// Column materialises column i across all rows.
func (b *Batch) Column(i int) []schema.Value {
	out := make([]schema.Value, len(b.Rows))
	for r, row := range b.Rows {
		if i < len(row) {
			out[r] = row[i]
		} else {
			out[r] = schema.Undefined()
		}
	}
	return out
}

// Expr is an opaque expression callable: it receives a column-oriented batch
// and returns one column of the expected type, or a typed evaluation
// failure.
type Expr func(b *Batch) ([]schema.Value, error)

// ApplyFn is a custom whole-change transform used by apply nodes.
type ApplyFn func(tx *OpTxn, change Change) (Change, error)

// Registry resolves the expression names stored in flow definitions to
// callables. Flow definitions stay serialisable; the callables live here.
type Registry struct {
	mu      sync.RWMutex
	exprs   map[string]Expr
	applies map[string]ApplyFn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exprs:   make(map[string]Expr),
		applies: make(map[string]ApplyFn),
	}
}

// RegisterExpr binds a name to an expression callable.
func (r *Registry) RegisterExpr(name string, expr Expr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exprs[name] = expr
}

// RegisterApply binds a name to an apply transform.
func (r *Registry) RegisterApply(name string, fn ApplyFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies[name] = fn
}

// Expr resolves a registered expression.
func (r *Registry) Expr(name string) (Expr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.exprs[name]; ok {
		return e, nil
	}
	return nil, diag.NotFound("FLW_010", "expression %q is not registered", name)
}

// Apply resolves a registered apply transform.
func (r *Registry) Apply(name string) (ApplyFn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.applies[name]; ok {
		return fn, nil
	}
	return nil, diag.NotFound("FLW_011", "apply transform %q is not registered", name)
}

// OpTxn is the transactional context operators run in: buffered writes for
// operator state and sink output, plus a pinned snapshot for row pulls.
type OpTxn struct {
	// Cmd buffers state and sink writes; they commit atomically with the
	// consumer checkpoint.
	Cmd *txn.CommandTxn
	// Rows is the read-only snapshot at the batch's target version, used
	// to pull materialised rows by number.
	Rows *txn.QueryTxn
}

// GetState reads one operator state record under the node's scope.
func (o *OpTxn) GetState(node uint64, scope []byte) (schema.EncodedRow, bool, error) {
	return o.Cmd.Get(key.FlowOperatorState{Node: node, Scope: scope}.Encode())
}

// SetState writes one operator state record.
func (o *OpTxn) SetState(node uint64, scope []byte, row schema.EncodedRow) error {
	return o.Cmd.Set(key.FlowOperatorState{Node: node, Scope: scope}.Encode(), row)
}

// RemoveState deletes one operator state record.
func (o *OpTxn) RemoveState(node uint64, scope []byte) error {
	return o.Cmd.Remove(key.FlowOperatorState{Node: node, Scope: scope}.Encode())
}

// ScanState iterates the node's state records under a scope prefix.
func (o *OpTxn) ScanState(node uint64, scopePrefix []byte, each func(scope []byte, row schema.EncodedRow) error) error {
	prefix := key.FlowOperatorStatePrefix(node)
	var cursor storage.Cursor
	for {
		batch, err := o.Cmd.Range(prefix, key.PrefixEnd(prefix), cursor, 256)
		if err != nil {
			return err
		}
		for _, item := range batch.Items {
			decoded, err := key.Decode(item.Key)
			if err != nil {
				return err
			}
			sk, ok := decoded.(key.FlowOperatorState)
			if !ok || sk.Node != node || !bytes.HasPrefix(sk.Scope, scopePrefix) {
				continue
			}
			if err := each(sk.Scope, item.Row); err != nil {
				return err
			}
		}
		if !batch.HasMore {
			return nil
		}
		cursor = batch.Cursor
	}
}

// GetRows pulls the materialised rows of a primitive by row number from the
// pinned snapshot; absent rows come back nil.
func (o *OpTxn) GetRows(primitive uint64, layout *schema.Layout, rowNumbers []uint64) ([][]schema.Value, error) {
	out := make([][]schema.Value, len(rowNumbers))
	for i, rn := range rowNumbers {
		row, ok, err := o.Rows.Get(key.Row{Primitive: primitive, RowNumber: rn}.Encode())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		values, err := layout.Decode(row)
		if err != nil {
			return nil, err
		}
		out[i] = values
	}
	return out, nil
}

// Hash128 is a 128-bit group key hash.
type Hash128 [16]byte

// hashGroup derives a 128-bit hash from the listed columns of a row, via two
// domain-separated 64-bit hashes.
func hashGroup(row []schema.Value, cols []int) Hash128 {
	buf := make([]byte, 0, 64)
	for _, c := range cols {
		var v schema.Value
		if c < len(row) {
			v = row[c]
		}
		buf = append(buf, byte(v.Kind))
		buf = append(buf, encodeSortValue(v, false)...)
	}
	var h Hash128
	binary.BigEndian.PutUint64(h[:8], xxhash.Sum64(append([]byte{0x01}, buf...)))
	binary.BigEndian.PutUint64(h[8:], xxhash.Sum64(append([]byte{0x02}, buf...)))
	return h
}

// encodeSortValue produces an order-preserving byte encoding of a value.
// Descending inverts every byte. Undefined sorts first.
func encodeSortValue(v schema.Value, descending bool) []byte {
	var out []byte
	switch v.Kind {
	case schema.TypeUndefined:
		out = []byte{0x00}
	case schema.TypeBool:
		if v.Bool {
			out = []byte{0x01, 0x01}
		} else {
			out = []byte{0x01, 0x00}
		}
	case schema.TypeInt1, schema.TypeInt2, schema.TypeInt4, schema.TypeInt8:
		out = make([]byte, 9)
		out[0] = 0x02
		binary.BigEndian.PutUint64(out[1:], uint64(v.Int)^(1<<63))
	case schema.TypeUint1, schema.TypeUint2, schema.TypeUint4, schema.TypeUint8:
		out = make([]byte, 9)
		out[0] = 0x02
		// shift into the same order space as signed values
		binary.BigEndian.PutUint64(out[1:], offsetUint(v.Uint))
	case schema.TypeFloat4, schema.TypeFloat8:
		out = make([]byte, 9)
		out[0] = 0x03
		bits := floatSortBits(v.Float)
		binary.BigEndian.PutUint64(out[1:], bits)
	case schema.TypeUtf8, schema.TypeBigDec:
		out = append([]byte{0x04}, escapeBytes([]byte(v.Str))...)
	case schema.TypeBlob, schema.TypeIdentity:
		out = append([]byte{0x04}, escapeBytes(v.Bytes)...)
	case schema.TypeDate, schema.TypeTime, schema.TypeDateTime:
		out = make([]byte, 9)
		out[0] = 0x05
		binary.BigEndian.PutUint64(out[1:], uint64(v.Time.UnixNano())^(1<<63))
	case schema.TypeInterval:
		out = make([]byte, 9)
		out[0] = 0x05
		binary.BigEndian.PutUint64(out[1:], uint64(v.Dur)^(1<<63))
	case schema.TypeUuid4, schema.TypeUuid7:
		out = append([]byte{0x06}, v.UUID[:]...)
	case schema.TypeInt16, schema.TypeUint16, schema.TypeBigInt:
		if v.Big != nil {
			out = append([]byte{0x07}, escapeBytes([]byte(v.Big.String()))...)
		} else {
			out = []byte{0x07}
		}
	default:
		out = []byte{0x7f}
	}
	if descending {
		inv := make([]byte, len(out))
		for i, b := range out {
			inv[i] = ^b
		}
		return inv
	}
	return out
}

func offsetUint(u uint64) uint64 {
	// unsigned values map onto the non-negative half of the signed space;
	// values above MaxInt64 saturate at the top
	if u >= 1<<63 {
		return ^uint64(0)
	}
	return u ^ (1 << 63)
}

func floatSortBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func escapeBytes(b []byte) []byte {
	out := make([]byte, 0, len(b)+2)
	for _, c := range b {
		if c == 0x00 {
			out = append(out, 0x00, 0xff)
		} else {
			out = append(out, c)
		}
	}
	return append(out, 0x00, 0x00)
}
