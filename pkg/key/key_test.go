package key

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTrip tests decode(encode(k)) == k for every key kind
func TestRoundTrip(t *testing.T) {
	keys := []Key{
		Row{Primitive: 7, RowNumber: 99},
		IndexEntry{Primitive: 7, Index: 2, IndexKey: []byte{0x01, 0x00, 0xff}},
		Cdc{Version: 12345, Sequence: 3},
		SubscriptionRow{Subscription: 4, RowNumber: 1},
		SubscriptionDelta{Subscription: 4, Version: 10, Sequence: 0},
		SystemSequence{Name: "rownum/7"},
		CatalogObject{ObjectKind: 2, ID: 42},
		FlowOperatorState{Node: 9, Scope: []byte("g\x00state")},
		Consumer{ConsumerID: "flow-coordinator"},
		SourceRetentionPolicy{Source: 7},
		OperatorRetentionPolicy{Node: 9},
	}
	for _, k := range keys {
		encoded := k.Encode()
		decoded, err := Decode(encoded)
		require.NoError(t, err, "kind %s", k.Kind())
		assert.Equal(t, k, decoded, "kind %s", k.Kind())

		kind, err := KindOf(encoded)
		require.NoError(t, err)
		assert.Equal(t, k.Kind(), kind)
	}
}

// TestRefusesUnknownVersion tests that decoders refuse unknown format versions
func TestRefusesUnknownVersion(t *testing.T) {
	encoded := Row{Primitive: 1, RowNumber: 1}.Encode()
	encoded[0] = ^byte(9)
	_, err := Decode(encoded)
	assert.Error(t, err)
}

// TestRefusesUnknownKind tests that decoders refuse unknown discriminators
func TestRefusesUnknownKind(t *testing.T) {
	encoded := Row{Primitive: 1, RowNumber: 1}.Encode()
	encoded[1] = ^byte(0xee)
	_, err := Decode(encoded)
	assert.Error(t, err)
}

// TestRefusesMismatchedKind tests ExpectKind on the wrong kind
func TestRefusesMismatchedKind(t *testing.T) {
	encoded := Cdc{Version: 1, Sequence: 0}.Encode()
	d := NewDeserializer(encoded)
	assert.Error(t, d.ExpectKind(KindRow))
}

// TestRefusesTruncated tests truncated payloads
func TestRefusesTruncated(t *testing.T) {
	encoded := Row{Primitive: 1, RowNumber: 1}.Encode()
	_, err := Decode(encoded[:len(encoded)-3])
	assert.Error(t, err)

	_, err = Decode(encoded[:1])
	assert.Error(t, err)
}

// TestRefusesTrailingBytes tests trailing garbage
func TestRefusesTrailingBytes(t *testing.T) {
	encoded := append(Row{Primitive: 1, RowNumber: 1}.Encode(), 0xaa)
	_, err := Decode(encoded)
	assert.Error(t, err)
}

// TestOrderPreserving tests that encoding preserves each kind's semantic order
func TestOrderPreserving(t *testing.T) {
	tests := []struct {
		name string
		lo   Key
		hi   Key
	}{
		{"row by row number", Row{Primitive: 1, RowNumber: 1}, Row{Primitive: 1, RowNumber: 2}},
		{"row by primitive", Row{Primitive: 1, RowNumber: 900}, Row{Primitive: 2, RowNumber: 1}},
		{"cdc by version", Cdc{Version: 1, Sequence: 9}, Cdc{Version: 2, Sequence: 0}},
		{"cdc by sequence", Cdc{Version: 5, Sequence: 0}, Cdc{Version: 5, Sequence: 1}},
		{"subscription delta", SubscriptionDelta{Subscription: 1, Version: 2, Sequence: 5}, SubscriptionDelta{Subscription: 1, Version: 3, Sequence: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Negative(t, bytes.Compare(tt.lo.Encode(), tt.hi.Encode()))
		})
	}
}

// TestKindsDoNotOverlap tests that prefixes of distinct kinds are disjoint
func TestKindsDoNotOverlap(t *testing.T) {
	row := Row{Primitive: 1, RowNumber: 1}.Encode()
	assert.False(t, bytes.HasPrefix(row, CdcPrefix()))
	assert.True(t, bytes.HasPrefix(row, RowPrefix(1)))
	assert.False(t, bytes.HasPrefix(row, RowPrefix(2)))
}

// TestPrefixEnd tests the prefix successor
func TestPrefixEnd(t *testing.T) {
	prefix := RowPrefix(7)
	end := PrefixEnd(prefix)
	k := Row{Primitive: 7, RowNumber: ^uint64(0)}.Encode()
	assert.Negative(t, bytes.Compare(k, end))
	assert.Positive(t, bytes.Compare(end, prefix))

	assert.Nil(t, PrefixEnd(EncodedKey{0xff, 0xff}))
}
