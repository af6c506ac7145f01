package sequence

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
)

// fakeTxn is an in-memory Txn for generator tests.
type fakeTxn struct {
	m map[string]schema.EncodedRow
}

func newFakeTxn() *fakeTxn {
	return &fakeTxn{m: make(map[string]schema.EncodedRow)}
}

func (f *fakeTxn) Get(k key.EncodedKey) (schema.EncodedRow, bool, error) {
	row, ok := f.m[string(k)]
	return row, ok, nil
}

func (f *fakeTxn) Set(k key.EncodedKey, row schema.EncodedRow) error {
	f.m[string(k)] = row
	return nil
}

// TestNextU64 tests read-or-create and monotonic advance
func TestNextU64(t *testing.T) {
	tx := newFakeTxn()

	v, err := NextU64(tx, "rownum/1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = NextU64(tx, "rownum/1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	// a different name is an independent counter
	v, err = NextU64(tx, "rownum/2", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

// TestNextBatchU64 tests range reservation
func TestNextBatchU64(t *testing.T) {
	tx := newFakeTxn()

	v, err := NextBatchU64(tx, "ids", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = NextU64(tx, "ids", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), v)
}

// TestExhaustion tests saturating-then-exhausted semantics: once a counter
// reports exhausted, every further call does too
func TestExhaustion(t *testing.T) {
	tx := newFakeTxn()
	k := key.SystemSequence{Name: "doomed"}.Encode()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.MaxUint64-1)
	require.NoError(t, tx.Set(k, schema.EncodedRow(buf)))

	// the last value is handed out, saturating the counter
	v, err := NextU64(tx, "doomed", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-1), v)

	for i := 0; i < 3; i++ {
		_, err = NextU64(tx, "doomed", 1)
		require.Error(t, err)
		assert.True(t, diag.IsKind(err, diag.KindExhausted))
	}
}

// TestBatchSaturates tests overflowing batch reservations
func TestBatchSaturates(t *testing.T) {
	tx := newFakeTxn()
	k := key.SystemSequence{Name: "wide"}.Encode()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.MaxUint64-5)
	require.NoError(t, tx.Set(k, schema.EncodedRow(buf)))

	v, err := NextBatchU64(tx, "wide", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-5), v)

	_, err = NextU64(tx, "wide", 1)
	assert.True(t, diag.IsKind(err, diag.KindExhausted))
}

// TestNextU32 tests the narrow generator
func TestNextU32(t *testing.T) {
	tx := newFakeTxn()

	v, err := NextU32(tx, "small", 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	k := key.SystemSequence{Name: "small"}.Encode()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.MaxUint32)
	require.NoError(t, tx.Set(k, schema.EncodedRow(buf)))
	_, err = NextU32(tx, "small", 0)
	assert.True(t, diag.IsKind(err, diag.KindExhausted))
}

// TestNextU128 tests the wide generator
func TestNextU128(t *testing.T) {
	tx := newFakeTxn()

	v, err := NextU128(tx, "wide128", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int64())

	v, err = NextU128(tx, "wide128", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int64())
}

// TestMalformedPayload tests corrupt counter handling
func TestMalformedPayload(t *testing.T) {
	tx := newFakeTxn()
	k := key.SystemSequence{Name: "bad"}.Encode()
	require.NoError(t, tx.Set(k, schema.EncodedRow("not eight bytes")))
	_, err := NextU64(tx, "bad", 1)
	assert.True(t, diag.IsKind(err, diag.KindInvalid))
}
