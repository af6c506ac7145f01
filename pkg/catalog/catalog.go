package catalog

import (
	"encoding/json"
	"strconv"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/sequence"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/txn"
)

// ObjectKind discriminates catalog object records. Wire format; never
// renumber.
const (
	ObjectNamespace    uint8 = 1
	ObjectTable        uint8 = 2
	ObjectView         uint8 = 3
	ObjectRingBuffer   uint8 = 4
	ObjectSubscription uint8 = 5
	ObjectPrimaryKey   uint8 = 6
	ObjectSumtype      uint8 = 7
	ObjectDictionary   uint8 = 8
	ObjectFlow         uint8 = 9
)

// Column describes one column of a primitive.
type Column struct {
	Name     string      `json:"name"`
	Type     schema.Type `json:"type"`
	Nullable bool        `json:"nullable"`
}

// Namespace groups primitives under a name.
type Namespace struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// Table is a user table definition.
type Table struct {
	ID        uint64   `json:"id"`
	Namespace uint64   `json:"namespace"`
	Name      string   `json:"name"`
	Columns   []Column `json:"columns"`
}

// View is a flow-maintained materialisation.
type View struct {
	ID        uint64   `json:"id"`
	Namespace uint64   `json:"namespace"`
	Name      string   `json:"name"`
	Columns   []Column `json:"columns"`
	// FlowID names the flow maintaining the view; zero until bound.
	FlowID uint64 `json:"flow_id"`
}

// RingBuffer is a bounded primitive that recycles row numbers FIFO.
type RingBuffer struct {
	ID        uint64   `json:"id"`
	Namespace uint64   `json:"namespace"`
	Name      string   `json:"name"`
	Columns   []Column `json:"columns"`
	Capacity  uint64   `json:"capacity"`
}

// Subscription is a drainable delta-stream primitive.
type Subscription struct {
	ID      uint64   `json:"id"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// PrimaryKey binds a table to its key columns.
type PrimaryKey struct {
	ID      uint64   `json:"id"`
	Table   uint64   `json:"table"`
	Columns []string `json:"columns"`
}

// Sumtype is a closed set of named variants usable as a column type.
type Sumtype struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	Variants []string `json:"variants"`
}

// Dictionary interns a value set for compact column storage.
type Dictionary struct {
	ID     uint64   `json:"id"`
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

const idSequence = "catalog.object_id"

// NextID reserves the next catalog object id.
func NextID(tx *txn.CommandTxn) (uint64, error) {
	return sequence.NextU64(tx, idSequence, 1)
}

// RowSequence names the row-number counter of a primitive. Row numbers are
// monotonic per primitive and the name dies with it.
func RowSequence(primitiveID uint64) string {
	return "rownum/" + strconv.FormatUint(primitiveID, 10)
}

// NextRowNumber reserves the next row number of a primitive.
func NextRowNumber(tx *txn.CommandTxn, primitiveID uint64) (uint64, error) {
	return sequence.NextU64(tx, RowSequence(primitiveID), 1)
}

func requireAdmin(tx *txn.CommandTxn) error {
	if !tx.Admin() {
		return diag.Invalid("CAT_001", "catalog mutation requires an admin transaction")
	}
	return nil
}

func putObject(tx *txn.CommandTxn, kind uint8, id uint64, obj any) error {
	row, err := json.Marshal(obj)
	if err != nil {
		return diag.Internal("CAT_002", "catalog object encode failed: %v", err)
	}
	return tx.Set(key.CatalogObject{ObjectKind: kind, ID: id}.Encode(), schema.EncodedRow(row))
}

func getObject(tx reads, kind uint8, id uint64, out any) (bool, error) {
	row, ok, err := tx.Get(key.CatalogObject{ObjectKind: kind, ID: id}.Encode())
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(row, out); err != nil {
		return false, diag.Invalid("CAT_003", "catalog object %d/%d malformed: %v", kind, id, err)
	}
	return true, nil
}

// reads abstracts over query and command transactions.
type reads interface {
	Get(k key.EncodedKey) (schema.EncodedRow, bool, error)
	Prefix(prefix key.EncodedKey, cursor storage.Cursor, limit int) (txn.RangeBatch, error)
}

func listObjects(tx reads, kind uint8, each func(row schema.EncodedRow) error) error {
	prefix := key.CatalogObjectPrefix(kind)
	var cursor storage.Cursor
	for {
		batch, err := tx.Prefix(prefix, cursor, 128)
		if err != nil {
			return err
		}
		for _, item := range batch.Items {
			if err := each(item.Row); err != nil {
				return err
			}
		}
		if !batch.HasMore {
			return nil
		}
		cursor = batch.Cursor
	}
}

// CreateNamespace stores a new namespace and returns its id.
func CreateNamespace(tx *txn.CommandTxn, name string) (uint64, error) {
	if err := requireAdmin(tx); err != nil {
		return 0, err
	}
	id, err := NextID(tx)
	if err != nil {
		return 0, err
	}
	return id, putObject(tx, ObjectNamespace, id, Namespace{ID: id, Name: name})
}

// CreateTable stores a new table definition and returns its id.
func CreateTable(tx *txn.CommandTxn, namespace uint64, name string, columns []Column) (uint64, error) {
	if err := requireAdmin(tx); err != nil {
		return 0, err
	}
	id, err := NextID(tx)
	if err != nil {
		return 0, err
	}
	return id, putObject(tx, ObjectTable, id, Table{ID: id, Namespace: namespace, Name: name, Columns: columns})
}

// CreateView stores a new view definition and returns its id.
func CreateView(tx *txn.CommandTxn, namespace uint64, name string, columns []Column) (uint64, error) {
	if err := requireAdmin(tx); err != nil {
		return 0, err
	}
	id, err := NextID(tx)
	if err != nil {
		return 0, err
	}
	return id, putObject(tx, ObjectView, id, View{ID: id, Namespace: namespace, Name: name, Columns: columns})
}

// CreateSubscription stores a new subscription and returns its id.
func CreateSubscription(tx *txn.CommandTxn, name string, columns []Column) (uint64, error) {
	if err := requireAdmin(tx); err != nil {
		return 0, err
	}
	id, err := NextID(tx)
	if err != nil {
		return 0, err
	}
	return id, putObject(tx, ObjectSubscription, id, Subscription{ID: id, Name: name, Columns: columns})
}

// FindTableByID loads a table definition.
func FindTableByID(tx reads, id uint64) (Table, bool, error) {
	var t Table
	ok, err := getObject(tx, ObjectTable, id, &t)
	return t, ok, err
}

// FindViewByID loads a view definition.
func FindViewByID(tx reads, id uint64) (View, bool, error) {
	var v View
	ok, err := getObject(tx, ObjectView, id, &v)
	return v, ok, err
}

// FindSubscriptionByID loads a subscription definition.
func FindSubscriptionByID(tx reads, id uint64) (Subscription, bool, error) {
	var s Subscription
	ok, err := getObject(tx, ObjectSubscription, id, &s)
	return s, ok, err
}

// FindTableByName scans for a table by name.
func FindTableByName(tx reads, name string) (Table, bool, error) {
	var (
		found Table
		ok    bool
	)
	err := listObjects(tx, ObjectTable, func(row schema.EncodedRow) error {
		var t Table
		if err := json.Unmarshal(row, &t); err != nil {
			return diag.Invalid("CAT_003", "table record malformed: %v", err)
		}
		if t.Name == name {
			found, ok = t, true
		}
		return nil
	})
	return found, ok, err
}

// ListTables returns every table definition.
func ListTables(tx reads) ([]Table, error) {
	var out []Table
	err := listObjects(tx, ObjectTable, func(row schema.EncodedRow) error {
		var t Table
		if err := json.Unmarshal(row, &t); err != nil {
			return diag.Invalid("CAT_003", "table record malformed: %v", err)
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// UpdateView rewrites a view definition, binding its maintaining flow.
func UpdateView(tx *txn.CommandTxn, v View) error {
	if err := requireAdmin(tx); err != nil {
		return err
	}
	return putObject(tx, ObjectView, v.ID, v)
}

// DropObject removes a catalog record.
func DropObject(tx *txn.CommandTxn, kind uint8, id uint64) error {
	if err := requireAdmin(tx); err != nil {
		return err
	}
	return tx.Remove(key.CatalogObject{ObjectKind: kind, ID: id}.Encode())
}

// Layout builds the row layout of a primitive's columns.
func Layout(columns []Column) *schema.Layout {
	fields := make([]schema.Field, len(columns))
	for i, c := range columns {
		fields[i] = schema.Field{Name: c.Name, Type: c.Type}
	}
	return schema.NewLayout(fields...)
}
