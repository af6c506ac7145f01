package schema

import (
	"bytes"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the primitive value types an encoded row may carry.
// Values are wire format; never renumber.
type Type uint8

const (
	TypeUndefined Type = 0x00
	TypeBool      Type = 0x01
	TypeInt1      Type = 0x02
	TypeInt2      Type = 0x03
	TypeInt4      Type = 0x04
	TypeInt8      Type = 0x05
	TypeInt16     Type = 0x06
	TypeUint1     Type = 0x07
	TypeUint2     Type = 0x08
	TypeUint4     Type = 0x09
	TypeUint8     Type = 0x0a
	TypeUint16    Type = 0x0b
	TypeFloat4    Type = 0x0c
	TypeFloat8    Type = 0x0d
	TypeUtf8      Type = 0x0e
	TypeBlob      Type = 0x0f
	TypeBigInt    Type = 0x10
	TypeBigDec    Type = 0x11
	TypeDate      Type = 0x12
	TypeTime      Type = 0x13
	TypeDateTime  Type = 0x14
	TypeInterval  Type = 0x15
	TypeUuid4     Type = 0x16
	TypeUuid7     Type = 0x17
	TypeIdentity  Type = 0x18
)

func (t Type) String() string {
	names := map[Type]string{
		TypeUndefined: "undefined", TypeBool: "bool",
		TypeInt1: "int1", TypeInt2: "int2", TypeInt4: "int4", TypeInt8: "int8", TypeInt16: "int16",
		TypeUint1: "uint1", TypeUint2: "uint2", TypeUint4: "uint4", TypeUint8: "uint8", TypeUint16: "uint16",
		TypeFloat4: "float4", TypeFloat8: "float8",
		TypeUtf8: "utf8", TypeBlob: "blob", TypeBigInt: "bigint", TypeBigDec: "bigdec",
		TypeDate: "date", TypeTime: "time", TypeDateTime: "datetime", TypeInterval: "interval",
		TypeUuid4: "uuid4", TypeUuid7: "uuid7", TypeIdentity: "identity",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return "invalid"
}

// FixedWidth returns the fixed-section byte width of the type, or 0 for
// variable-width types (which occupy an 8-byte offset/length slot instead).
func (t Type) FixedWidth() int {
	switch t {
	case TypeBool, TypeInt1, TypeUint1:
		return 1
	case TypeInt2, TypeUint2:
		return 2
	case TypeInt4, TypeUint4, TypeFloat4:
		return 4
	case TypeInt8, TypeUint8, TypeFloat8, TypeDate, TypeTime, TypeDateTime, TypeInterval:
		return 8
	case TypeInt16, TypeUint16, TypeUuid4, TypeUuid7, TypeIdentity:
		return 16
	default:
		return 0
	}
}

// Variable reports whether the type stores its payload in the dynamic section.
func (t Type) Variable() bool {
	switch t {
	case TypeUtf8, TypeBlob, TypeBigInt, TypeBigDec:
		return true
	default:
		return false
	}
}

// Value is a single typed cell. A Value with Kind TypeUndefined is the
// undefined sentinel shared by every type.
type Value struct {
	Kind  Type
	Bool  bool
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bytes []byte
	Big   *big.Int
	Time  time.Time
	Dur   time.Duration
	UUID  uuid.UUID
}

// Undefined is the undefined sentinel.
func Undefined() Value { return Value{Kind: TypeUndefined} }

// IsUndefined reports whether the value is the undefined sentinel.
func (v Value) IsUndefined() bool { return v.Kind == TypeUndefined }

func NewBool(b bool) Value          { return Value{Kind: TypeBool, Bool: b} }
func NewInt1(i int8) Value          { return Value{Kind: TypeInt1, Int: int64(i)} }
func NewInt2(i int16) Value         { return Value{Kind: TypeInt2, Int: int64(i)} }
func NewInt4(i int32) Value         { return Value{Kind: TypeInt4, Int: int64(i)} }
func NewInt8(i int64) Value         { return Value{Kind: TypeInt8, Int: i} }
func NewInt16(i *big.Int) Value     { return Value{Kind: TypeInt16, Big: i} }
func NewUint1(u uint8) Value        { return Value{Kind: TypeUint1, Uint: uint64(u)} }
func NewUint2(u uint16) Value       { return Value{Kind: TypeUint2, Uint: uint64(u)} }
func NewUint4(u uint32) Value       { return Value{Kind: TypeUint4, Uint: uint64(u)} }
func NewUint8(u uint64) Value       { return Value{Kind: TypeUint8, Uint: u} }
func NewUint16(u *big.Int) Value    { return Value{Kind: TypeUint16, Big: u} }
func NewFloat4(f float32) Value     { return Value{Kind: TypeFloat4, Float: float64(f)} }
func NewFloat8(f float64) Value     { return Value{Kind: TypeFloat8, Float: f} }
func NewUtf8(s string) Value        { return Value{Kind: TypeUtf8, Str: s} }
func NewBlob(b []byte) Value        { return Value{Kind: TypeBlob, Bytes: b} }
func NewBigInt(i *big.Int) Value    { return Value{Kind: TypeBigInt, Big: i} }
func NewBigDec(s string) Value      { return Value{Kind: TypeBigDec, Str: s} }
func NewDate(t time.Time) Value     { return Value{Kind: TypeDate, Time: t} }
func NewTime(t time.Time) Value     { return Value{Kind: TypeTime, Time: t} }
func NewDateTime(t time.Time) Value { return Value{Kind: TypeDateTime, Time: t} }
func NewInterval(d time.Duration) Value {
	return Value{Kind: TypeInterval, Dur: d}
}
func NewUuid4(u uuid.UUID) Value    { return Value{Kind: TypeUuid4, UUID: u} }
func NewUuid7(u uuid.UUID) Value    { return Value{Kind: TypeUuid7, UUID: u} }
func NewIdentity(b [16]byte) Value  { return Value{Kind: TypeIdentity, Bytes: b[:]} }

// RandomUuid4 returns a fresh v4 UUID value.
func RandomUuid4() Value { return NewUuid4(uuid.New()) }

// RandomUuid7 returns a fresh v7 UUID value.
func RandomUuid7() Value {
	u, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails when the entropy source does
		u = uuid.New()
	}
	return NewUuid7(u)
}

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case TypeUndefined:
		return true
	case TypeBool:
		return v.Bool == o.Bool
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		return v.Int == o.Int
	case TypeUint1, TypeUint2, TypeUint4, TypeUint8:
		return v.Uint == o.Uint
	case TypeInt16, TypeUint16, TypeBigInt:
		if v.Big == nil || o.Big == nil {
			return v.Big == o.Big
		}
		return v.Big.Cmp(o.Big) == 0
	case TypeFloat4, TypeFloat8:
		return v.Float == o.Float
	case TypeUtf8, TypeBigDec:
		return v.Str == o.Str
	case TypeBlob, TypeIdentity:
		return bytes.Equal(v.Bytes, o.Bytes)
	case TypeDate, TypeTime, TypeDateTime:
		return v.Time.Equal(o.Time)
	case TypeInterval:
		return v.Dur == o.Dur
	case TypeUuid4, TypeUuid7:
		return v.UUID == o.UUID
	default:
		return false
	}
}
