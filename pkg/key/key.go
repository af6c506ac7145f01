package key

import (
	"github.com/reifydb/reifydb/pkg/diag"
)

// Kind is the stable discriminator byte carried by every encoded key.
// Values are wire format; never renumber.
type Kind byte

const (
	KindRow                     Kind = 0x01
	KindIndexEntry              Kind = 0x02
	KindCdc                     Kind = 0x03
	KindSubscriptionRow         Kind = 0x04
	KindSubscriptionDelta       Kind = 0x05
	KindSystemSequence          Kind = 0x06
	KindCatalogObject           Kind = 0x07
	KindFlowOperatorState       Kind = 0x08
	KindConsumer                Kind = 0x09
	KindSourceRetentionPolicy   Kind = 0x0a
	KindOperatorRetentionPolicy Kind = 0x0b
)

func (k Kind) valid() bool {
	return k >= KindRow && k <= KindOperatorRetentionPolicy
}

func (k Kind) String() string {
	switch k {
	case KindRow:
		return "row"
	case KindIndexEntry:
		return "index_entry"
	case KindCdc:
		return "cdc"
	case KindSubscriptionRow:
		return "subscription_row"
	case KindSubscriptionDelta:
		return "subscription_delta"
	case KindSystemSequence:
		return "system_sequence"
	case KindCatalogObject:
		return "catalog_object"
	case KindFlowOperatorState:
		return "flow_operator_state"
	case KindConsumer:
		return "consumer"
	case KindSourceRetentionPolicy:
		return "source_retention_policy"
	case KindOperatorRetentionPolicy:
		return "operator_retention_policy"
	default:
		return "unknown"
	}
}

// Key is implemented by every decodable key type.
type Key interface {
	Kind() Kind
	Encode() EncodedKey
}

// Row addresses one row of a primitive (table, view, ringbuffer or
// subscription) by row number.
type Row struct {
	Primitive uint64
	RowNumber uint64
}

func (Row) Kind() Kind { return KindRow }

func (k Row) Encode() EncodedKey {
	return NewSerializer(18).Header(KindRow).U64(k.Primitive).U64(k.RowNumber).Finish()
}

// RowPrefix returns the prefix covering every row of a primitive.
func RowPrefix(primitive uint64) EncodedKey {
	return NewSerializer(10).Header(KindRow).U64(primitive).Finish()
}

// IndexEntry addresses one entry of a secondary index.
type IndexEntry struct {
	Primitive uint64
	Index     uint64
	IndexKey  []byte
}

func (IndexEntry) Kind() Kind { return KindIndexEntry }

func (k IndexEntry) Encode() EncodedKey {
	return NewSerializer(22 + len(k.IndexKey)).
		Header(KindIndexEntry).U64(k.Primitive).U64(k.Index).Bytes(k.IndexKey).Finish()
}

// IndexPrefix returns the prefix covering every entry of one index.
func IndexPrefix(primitive, index uint64) EncodedKey {
	return NewSerializer(18).Header(KindIndexEntry).U64(primitive).U64(index).Finish()
}

// Cdc addresses one change-data-capture entry. Keys order by
// (version, sequence) ascending, which is the delivery order.
type Cdc struct {
	Version  uint64
	Sequence uint16
}

func (Cdc) Kind() Kind { return KindCdc }

func (k Cdc) Encode() EncodedKey {
	return NewSerializer(12).Header(KindCdc).U64(k.Version).U16(k.Sequence).Finish()
}

// CdcPrefix returns the prefix covering all CDC entries.
func CdcPrefix() EncodedKey {
	return NewSerializer(2).Header(KindCdc).Finish()
}

// CdcVersionPrefix returns the prefix covering one commit's CDC entries.
func CdcVersionPrefix(version uint64) EncodedKey {
	return NewSerializer(10).Header(KindCdc).U64(version).Finish()
}

// SubscriptionRow addresses one materialised row of a subscription.
type SubscriptionRow struct {
	Subscription uint64
	RowNumber    uint64
}

func (SubscriptionRow) Kind() Kind { return KindSubscriptionRow }

func (k SubscriptionRow) Encode() EncodedKey {
	return NewSerializer(18).Header(KindSubscriptionRow).U64(k.Subscription).U64(k.RowNumber).Finish()
}

// SubscriptionDelta addresses one delta entry of a subscription's stream,
// ordered by (subscription, version, sequence).
type SubscriptionDelta struct {
	Subscription uint64
	Version      uint64
	Sequence     uint16
}

func (SubscriptionDelta) Kind() Kind { return KindSubscriptionDelta }

func (k SubscriptionDelta) Encode() EncodedKey {
	return NewSerializer(20).
		Header(KindSubscriptionDelta).U64(k.Subscription).U64(k.Version).U16(k.Sequence).Finish()
}

// SubscriptionDeltaPrefix covers every delta of one subscription.
func SubscriptionDeltaPrefix(subscription uint64) EncodedKey {
	return NewSerializer(10).Header(KindSubscriptionDelta).U64(subscription).Finish()
}

// SystemSequence addresses a named engine counter.
type SystemSequence struct {
	Name string
}

func (SystemSequence) Kind() Kind { return KindSystemSequence }

func (k SystemSequence) Encode() EncodedKey {
	return NewSerializer(6 + len(k.Name)).Header(KindSystemSequence).Str(k.Name).Finish()
}

// CatalogObject addresses a catalog record by object kind and id.
type CatalogObject struct {
	ObjectKind uint8
	ID         uint64
}

func (CatalogObject) Kind() Kind { return KindCatalogObject }

func (k CatalogObject) Encode() EncodedKey {
	return NewSerializer(11).Header(KindCatalogObject).U8(k.ObjectKind).U64(k.ID).Finish()
}

// CatalogObjectPrefix covers every catalog record of one object kind.
func CatalogObjectPrefix(objectKind uint8) EncodedKey {
	return NewSerializer(3).Header(KindCatalogObject).U8(objectKind).Finish()
}

// FlowOperatorState addresses persisted operator state, scoped by the owning
// flow node. Dropping a flow deletes everything under each node's prefix.
type FlowOperatorState struct {
	Node  uint64
	Scope []byte
}

func (FlowOperatorState) Kind() Kind { return KindFlowOperatorState }

func (k FlowOperatorState) Encode() EncodedKey {
	return NewSerializer(14 + len(k.Scope)).
		Header(KindFlowOperatorState).U64(k.Node).Bytes(k.Scope).Finish()
}

// FlowOperatorStatePrefix covers every state key of one node.
func FlowOperatorStatePrefix(node uint64) EncodedKey {
	return NewSerializer(10).Header(KindFlowOperatorState).U64(node).Finish()
}

// Consumer addresses a durable CDC consumer checkpoint.
type Consumer struct {
	ConsumerID string
}

func (Consumer) Kind() Kind { return KindConsumer }

func (k Consumer) Encode() EncodedKey {
	return NewSerializer(6 + len(k.ConsumerID)).Header(KindConsumer).Str(k.ConsumerID).Finish()
}

// SourceRetentionPolicy addresses the retention policy of a CDC source.
type SourceRetentionPolicy struct {
	Source uint64
}

func (SourceRetentionPolicy) Kind() Kind { return KindSourceRetentionPolicy }

func (k SourceRetentionPolicy) Encode() EncodedKey {
	return NewSerializer(10).Header(KindSourceRetentionPolicy).U64(k.Source).Finish()
}

// OperatorRetentionPolicy addresses the retention policy of a flow node.
type OperatorRetentionPolicy struct {
	Node uint64
}

func (OperatorRetentionPolicy) Kind() Kind { return KindOperatorRetentionPolicy }

func (k OperatorRetentionPolicy) Encode() EncodedKey {
	return NewSerializer(10).Header(KindOperatorRetentionPolicy).U64(k.Node).Finish()
}

// Decode parses an encoded key into its typed form, refusing unknown version
// bytes and kind discriminators.
func Decode(encoded EncodedKey) (Key, error) {
	d := NewDeserializer(encoded)
	kind, err := d.Header()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindRow:
		return decodeFixed2(d, func(a, b uint64) Key { return Row{Primitive: a, RowNumber: b} })
	case KindIndexEntry:
		primitive, err := d.U64()
		if err != nil {
			return nil, err
		}
		index, err := d.U64()
		if err != nil {
			return nil, err
		}
		indexKey, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		return IndexEntry{Primitive: primitive, Index: index, IndexKey: indexKey}, d.Done()
	case KindCdc:
		version, err := d.U64()
		if err != nil {
			return nil, err
		}
		sequence, err := d.U16()
		if err != nil {
			return nil, err
		}
		return Cdc{Version: version, Sequence: sequence}, d.Done()
	case KindSubscriptionRow:
		return decodeFixed2(d, func(a, b uint64) Key { return SubscriptionRow{Subscription: a, RowNumber: b} })
	case KindSubscriptionDelta:
		subscription, err := d.U64()
		if err != nil {
			return nil, err
		}
		version, err := d.U64()
		if err != nil {
			return nil, err
		}
		sequence, err := d.U16()
		if err != nil {
			return nil, err
		}
		return SubscriptionDelta{Subscription: subscription, Version: version, Sequence: sequence}, d.Done()
	case KindSystemSequence:
		name, err := d.Str()
		if err != nil {
			return nil, err
		}
		return SystemSequence{Name: name}, d.Done()
	case KindCatalogObject:
		objectKind, err := d.U8()
		if err != nil {
			return nil, err
		}
		id, err := d.U64()
		if err != nil {
			return nil, err
		}
		return CatalogObject{ObjectKind: objectKind, ID: id}, d.Done()
	case KindFlowOperatorState:
		node, err := d.U64()
		if err != nil {
			return nil, err
		}
		scope, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		return FlowOperatorState{Node: node, Scope: scope}, d.Done()
	case KindConsumer:
		id, err := d.Str()
		if err != nil {
			return nil, err
		}
		return Consumer{ConsumerID: id}, d.Done()
	case KindSourceRetentionPolicy:
		source, err := d.U64()
		if err != nil {
			return nil, err
		}
		return SourceRetentionPolicy{Source: source}, d.Done()
	case KindOperatorRetentionPolicy:
		node, err := d.U64()
		if err != nil {
			return nil, err
		}
		return OperatorRetentionPolicy{Node: node}, d.Done()
	default:
		return nil, diag.Invalid("KEY_003", "unknown key kind %d", kind)
	}
}

// KindOf reads only the kind discriminator of an encoded key.
func KindOf(encoded EncodedKey) (Kind, error) {
	return NewDeserializer(encoded).Header()
}

func decodeFixed2(d *Deserializer, build func(a, b uint64) Key) (Key, error) {
	a, err := d.U64()
	if err != nil {
		return nil, err
	}
	b, err := d.U64()
	if err != nil {
		return nil, err
	}
	return build(a, b), d.Done()
}
