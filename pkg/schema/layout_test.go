package schema

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout() *Layout {
	return NewLayout(
		Field{Name: "b", Type: TypeBool},
		Field{Name: "i1", Type: TypeInt1},
		Field{Name: "i8", Type: TypeInt8},
		Field{Name: "u8", Type: TypeUint8},
		Field{Name: "f8", Type: TypeFloat8},
		Field{Name: "s", Type: TypeUtf8},
		Field{Name: "blob", Type: TypeBlob},
		Field{Name: "big", Type: TypeBigInt},
		Field{Name: "dec", Type: TypeBigDec},
		Field{Name: "i16", Type: TypeInt16},
		Field{Name: "ts", Type: TypeDateTime},
		Field{Name: "dur", Type: TypeInterval},
		Field{Name: "id", Type: TypeUuid7},
	)
}

// TestRowRoundTrip tests decode(encode(r, schema), schema) == r
func TestRowRoundTrip(t *testing.T) {
	layout := testLayout()
	now := time.Unix(0, 1700000000123456789).UTC()
	values := []Value{
		NewBool(true),
		NewInt1(-7),
		NewInt8(math.MinInt64),
		NewUint8(math.MaxUint64),
		NewFloat8(3.25),
		NewUtf8("héllo"),
		NewBlob([]byte{0x00, 0x01, 0xff}),
		NewBigInt(new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 200))),
		NewBigDec("-12345.6789"),
		NewInt16(new(big.Int).Lsh(big.NewInt(-3), 100)),
		NewDateTime(now),
		NewInterval(90 * time.Second),
		NewUuid7(uuid.MustParse("018f4d3e-0000-7000-8000-0123456789ab")),
	}

	row, err := layout.Encode(values)
	require.NoError(t, err)

	decoded, err := layout.Decode(row)
	require.NoError(t, err)
	require.Len(t, decoded, len(values))
	for i := range values {
		assert.True(t, values[i].Equal(decoded[i]), "field %s: %v != %v", layout.Fields[i].Name, values[i], decoded[i])
	}
}

// TestUndefinedSentinel tests that every field can hold undefined
func TestUndefinedSentinel(t *testing.T) {
	layout := testLayout()
	values := make([]Value, len(layout.Fields))
	for i := range values {
		values[i] = Undefined()
	}
	row, err := layout.Encode(values)
	require.NoError(t, err)

	decoded, err := layout.Decode(row)
	require.NoError(t, err)
	for i, v := range decoded {
		assert.True(t, v.IsUndefined(), "field %d", i)
	}
}

// TestEncodeRejectsMismatch tests type checking at encode time
func TestEncodeRejectsMismatch(t *testing.T) {
	layout := NewLayout(Field{Name: "n", Type: TypeInt8})

	_, err := layout.Encode([]Value{NewUtf8("nope")})
	assert.Error(t, err)

	_, err = layout.Encode([]Value{NewInt8(1), NewInt8(2)})
	assert.Error(t, err)
}

// TestDecodeRejectsTruncated tests corrupt row handling
func TestDecodeRejectsTruncated(t *testing.T) {
	layout := NewLayout(Field{Name: "s", Type: TypeUtf8})
	row, err := layout.Encode([]Value{NewUtf8("payload")})
	require.NoError(t, err)

	_, err = layout.Decode(row[:len(row)-3])
	assert.Error(t, err)
}

// TestCoerceSaturation tests the undefined-on-overflow policy
func TestCoerceSaturation(t *testing.T) {
	tests := []struct {
		name   string
		in     Value
		target Type
		want   Value
	}{
		{"widen int", NewInt1(5), TypeInt8, NewInt8(5)},
		{"narrow fits", NewInt8(100), TypeInt1, NewInt1(100)},
		{"narrow overflows", NewInt8(1000), TypeInt1, Undefined()},
		{"negative to unsigned", NewInt8(-1), TypeUint8, Undefined()},
		{"uint to int fits", NewUint8(7), TypeInt4, NewInt4(7)},
		{"float to int truncates never", NewFloat8(1.5), TypeInt8, Undefined()},
		{"float whole to int", NewFloat8(4), TypeInt8, NewInt8(4)},
		{"int to float", NewInt8(3), TypeFloat8, NewFloat8(3)},
		{"huge float to float4", NewFloat8(1e300), TypeFloat4, Undefined()},
		{"int to string", NewInt8(-42), TypeUtf8, NewUtf8("-42")},
		{"undefined stays undefined", Undefined(), TypeInt8, Undefined()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Coerce(tt.in, tt.target)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}
