package flow

import (
	"encoding/binary"
	"math"

	"github.com/reifydb/reifydb/pkg/catalog"
	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
)

// ImplicitColumnOp names the operation tag column appended to subscription
// delta rows.
const ImplicitColumnOp = "_op"

// SinkViewOperator is the terminal operator writing the current row set
// into a catalog-backed view. Values coerce to the view's declared schema
// with undefined-on-overflow saturation; row numbers are preserved so
// downstream consumers see stable identities.
type SinkViewOperator struct {
	node   uint64
	viewID uint64
	layout *schema.Layout
	types  []schema.Type
}

// NewSinkViewOperator creates a view sink.
func NewSinkViewOperator(node uint64, view catalog.View) *SinkViewOperator {
	types := make([]schema.Type, len(view.Columns))
	for i, c := range view.Columns {
		types[i] = c.Type
	}
	return &SinkViewOperator{
		node:   node,
		viewID: view.ID,
		layout: catalog.Layout(view.Columns),
		types:  types,
	}
}

func (s *SinkViewOperator) ID() uint64   { return s.node }
func (s *SinkViewOperator) Name() string { return "sink-view" }

func (s *SinkViewOperator) coerceRow(values []schema.Value) []schema.Value {
	out := make([]schema.Value, len(s.types))
	for i, t := range s.types {
		out[i] = schema.Coerce(valueAt(values, i), t)
	}
	return out
}

func (s *SinkViewOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	for _, d := range change.Diffs {
		k := key.Row{Primitive: s.viewID, RowNumber: d.RowNumber}.Encode()
		switch d.Op {
		case cdc.OpInsert, cdc.OpUpdate:
			row, err := s.layout.Encode(s.coerceRow(d.Post))
			if err != nil {
				return Change{}, err
			}
			if err := tx.Cmd.Set(k, row); err != nil {
				return Change{}, err
			}
		case cdc.OpRemove:
			if err := tx.Cmd.Remove(k); err != nil {
				return Change{}, err
			}
		}
	}
	return change, nil
}

// SinkSubscriptionOperator is the terminal operator writing an append-only
// delta stream into a subscription's keyspace. Each delta row carries an
// implicit _op column and a descending row number, so an ascending scan
// drains newest first and a reverse scan oldest first.
type SinkSubscriptionOperator struct {
	node   uint64
	subID  uint64
	layout *schema.Layout
	width  int
}

// NewSinkSubscriptionOperator creates a subscription sink. The stored
// layout is the subscription's columns plus the _op tag.
func NewSinkSubscriptionOperator(node uint64, sub catalog.Subscription) *SinkSubscriptionOperator {
	columns := append(append([]catalog.Column(nil), sub.Columns...), catalog.Column{
		Name: ImplicitColumnOp,
		Type: schema.TypeUint1,
	})
	return &SinkSubscriptionOperator{
		node:   node,
		subID:  sub.ID,
		layout: catalog.Layout(columns),
		width:  len(sub.Columns),
	}
}

func (s *SinkSubscriptionOperator) ID() uint64   { return s.node }
func (s *SinkSubscriptionOperator) Name() string { return "sink-subscription" }

var subCounterScope = []byte{'c'}

// nextRowNumber advances the sink's descending counter.
func (s *SinkSubscriptionOperator) nextRowNumber(tx *OpTxn) (uint64, error) {
	var n uint64
	row, ok, err := tx.GetState(s.node, subCounterScope)
	if err != nil {
		return 0, err
	}
	if ok {
		n = binary.BigEndian.Uint64(row)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+1)
	if err := tx.SetState(s.node, subCounterScope, schema.EncodedRow(buf)); err != nil {
		return 0, err
	}
	return math.MaxUint64 - n, nil
}

func (s *SinkSubscriptionOperator) Apply(tx *OpTxn, change Change) (Change, error) {
	for _, d := range change.Diffs {
		rowNumber, err := s.nextRowNumber(tx)
		if err != nil {
			return Change{}, err
		}
		payload := d.Post
		if d.Op == cdc.OpRemove {
			payload = d.Pre
		}
		values := make([]schema.Value, 0, s.width+1)
		for i := 0; i < s.width; i++ {
			values = append(values, valueAt(payload, i))
		}
		values = append(values, schema.NewUint1(uint8(d.Op)))

		row, err := s.layout.Encode(values)
		if err != nil {
			return Change{}, err
		}
		k := key.SubscriptionRow{Subscription: s.subID, RowNumber: rowNumber}.Encode()
		if err := tx.Cmd.Set(k, row); err != nil {
			return Change{}, err
		}
	}
	return change, nil
}
