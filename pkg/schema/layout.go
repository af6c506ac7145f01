package schema

import (
	"encoding/binary"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/reifydb/reifydb/pkg/diag"
)

// EncodedRow is the fixed-schema byte layout of one row. Layout:
//
//	[undefined bitmap][fixed section][dynamic section]
//
// Fixed-width fields occupy their type's width in the fixed section.
// Variable-width fields occupy an 8-byte (offset, length) slot pointing into
// the dynamic section. Undefined fields keep a zeroed slot and set their
// bitmap bit.
type EncodedRow []byte

// Field describes one column of a layout.
type Field struct {
	Name string
	Type Type
}

// Layout is the field table driving row encoding and decoding.
type Layout struct {
	Fields []Field

	offsets   []int
	fixedSize int
	bitmap    int
}

// NewLayout builds a layout from a field table.
func NewLayout(fields ...Field) *Layout {
	l := &Layout{Fields: fields}
	l.bitmap = (len(fields) + 7) / 8
	l.offsets = make([]int, len(fields))
	off := l.bitmap
	for i, f := range fields {
		l.offsets[i] = off
		if f.Type.Variable() {
			off += 8
		} else {
			off += f.Type.FixedWidth()
		}
	}
	l.fixedSize = off
	return l
}

// FieldIndex returns the position of a named field, or -1.
func (l *Layout) FieldIndex(name string) int {
	for i, f := range l.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Encode serialises one row of values against the layout.
func (l *Layout) Encode(values []Value) (EncodedRow, error) {
	if len(values) != len(l.Fields) {
		return nil, diag.Invalid("ROW_001", "row has %d values, layout has %d fields", len(values), len(l.Fields))
	}
	row := make([]byte, l.fixedSize)
	var dynamic []byte
	for i, v := range values {
		f := l.Fields[i]
		if v.IsUndefined() {
			row[i/8] |= 1 << (i % 8)
			continue
		}
		if v.Kind != f.Type {
			return nil, diag.Invalid("ROW_002", "field %q: value type %s does not match %s", f.Name, v.Kind, f.Type)
		}
		off := l.offsets[i]
		if f.Type.Variable() {
			payload, err := encodeVariable(v)
			if err != nil {
				return nil, err
			}
			binary.BigEndian.PutUint32(row[off:], uint32(len(dynamic)))
			binary.BigEndian.PutUint32(row[off+4:], uint32(len(payload)))
			dynamic = append(dynamic, payload...)
			continue
		}
		if err := encodeFixed(row[off:], v); err != nil {
			return nil, err
		}
	}
	return EncodedRow(append(row, dynamic...)), nil
}

// Decode deserialises an encoded row back into values.
func (l *Layout) Decode(row EncodedRow) ([]Value, error) {
	if len(row) < l.fixedSize {
		return nil, diag.Invalid("ROW_003", "row too short: %d bytes, fixed section needs %d", len(row), l.fixedSize)
	}
	values := make([]Value, len(l.Fields))
	for i, f := range l.Fields {
		if row[i/8]&(1<<(i%8)) != 0 {
			values[i] = Undefined()
			continue
		}
		off := l.offsets[i]
		if f.Type.Variable() {
			start := int(binary.BigEndian.Uint32(row[off:]))
			length := int(binary.BigEndian.Uint32(row[off+4:]))
			lo := l.fixedSize + start
			hi := lo + length
			if hi > len(row) {
				return nil, diag.Invalid("ROW_004", "field %q points past row end", f.Name)
			}
			v, err := decodeVariable(f.Type, row[lo:hi])
			if err != nil {
				return nil, err
			}
			values[i] = v
			continue
		}
		v, err := decodeFixed(f.Type, row[off:])
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// Get returns a single field's value. It decodes the whole row, so any
// malformed field in the row makes it fail.
func (l *Layout) Get(row EncodedRow, index int) (Value, error) {
	if index < 0 || index >= len(l.Fields) {
		return Value{}, diag.Invalid("ROW_005", "field index %d out of range", index)
	}
	values, err := l.Decode(row)
	if err != nil {
		return Value{}, err
	}
	return values[index], nil
}

func encodeFixed(dst []byte, v Value) error {
	switch v.Kind {
	case TypeBool:
		if v.Bool {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case TypeInt1:
		dst[0] = byte(int8(v.Int))
	case TypeUint1:
		dst[0] = byte(v.Uint)
	case TypeInt2:
		binary.BigEndian.PutUint16(dst, uint16(int16(v.Int)))
	case TypeUint2:
		binary.BigEndian.PutUint16(dst, uint16(v.Uint))
	case TypeInt4:
		binary.BigEndian.PutUint32(dst, uint32(int32(v.Int)))
	case TypeUint4:
		binary.BigEndian.PutUint32(dst, uint32(v.Uint))
	case TypeInt8:
		binary.BigEndian.PutUint64(dst, uint64(v.Int))
	case TypeUint8:
		binary.BigEndian.PutUint64(dst, v.Uint)
	case TypeFloat4:
		binary.BigEndian.PutUint32(dst, math.Float32bits(float32(v.Float)))
	case TypeFloat8:
		binary.BigEndian.PutUint64(dst, math.Float64bits(v.Float))
	case TypeDate:
		binary.BigEndian.PutUint64(dst, uint64(v.Time.Unix()/86400))
	case TypeTime:
		midnight := time.Date(v.Time.Year(), v.Time.Month(), v.Time.Day(), 0, 0, 0, 0, v.Time.Location())
		binary.BigEndian.PutUint64(dst, uint64(v.Time.Sub(midnight).Nanoseconds()))
	case TypeDateTime:
		binary.BigEndian.PutUint64(dst, uint64(v.Time.UnixNano()))
	case TypeInterval:
		binary.BigEndian.PutUint64(dst, uint64(v.Dur.Nanoseconds()))
	case TypeInt16, TypeUint16:
		b := v.Big
		if b == nil {
			b = new(big.Int)
		}
		copy(dst[:16], int128Bytes(b))
	case TypeUuid4, TypeUuid7:
		copy(dst[:16], v.UUID[:])
	case TypeIdentity:
		copy(dst[:16], v.Bytes)
	default:
		return diag.Invalid("ROW_006", "type %s is not fixed-width", v.Kind)
	}
	return nil
}

func decodeFixed(t Type, src []byte) (Value, error) {
	if len(src) < t.FixedWidth() {
		return Value{}, diag.Invalid("ROW_003", "row truncated reading %s", t)
	}
	switch t {
	case TypeBool:
		return NewBool(src[0] != 0), nil
	case TypeInt1:
		return NewInt1(int8(src[0])), nil
	case TypeUint1:
		return NewUint1(src[0]), nil
	case TypeInt2:
		return NewInt2(int16(binary.BigEndian.Uint16(src))), nil
	case TypeUint2:
		return NewUint2(binary.BigEndian.Uint16(src)), nil
	case TypeInt4:
		return NewInt4(int32(binary.BigEndian.Uint32(src))), nil
	case TypeUint4:
		return NewUint4(binary.BigEndian.Uint32(src)), nil
	case TypeInt8:
		return NewInt8(int64(binary.BigEndian.Uint64(src))), nil
	case TypeUint8:
		return NewUint8(binary.BigEndian.Uint64(src)), nil
	case TypeFloat4:
		return NewFloat4(math.Float32frombits(binary.BigEndian.Uint32(src))), nil
	case TypeFloat8:
		return NewFloat8(math.Float64frombits(binary.BigEndian.Uint64(src))), nil
	case TypeDate:
		days := int64(binary.BigEndian.Uint64(src))
		return NewDate(time.Unix(days*86400, 0).UTC()), nil
	case TypeTime:
		nanos := int64(binary.BigEndian.Uint64(src))
		return Value{Kind: TypeTime, Time: time.Unix(0, nanos).UTC()}, nil
	case TypeDateTime:
		return NewDateTime(time.Unix(0, int64(binary.BigEndian.Uint64(src))).UTC()), nil
	case TypeInterval:
		return NewInterval(time.Duration(binary.BigEndian.Uint64(src))), nil
	case TypeInt16:
		return Value{Kind: TypeInt16, Big: int128FromBytes(src[:16], true)}, nil
	case TypeUint16:
		return Value{Kind: TypeUint16, Big: int128FromBytes(src[:16], false)}, nil
	case TypeUuid4, TypeUuid7:
		var u uuid.UUID
		copy(u[:], src[:16])
		return Value{Kind: t, UUID: u}, nil
	case TypeIdentity:
		b := make([]byte, 16)
		copy(b, src[:16])
		return Value{Kind: TypeIdentity, Bytes: b}, nil
	default:
		return Value{}, diag.Invalid("ROW_006", "type %s is not fixed-width", t)
	}
}

func encodeVariable(v Value) ([]byte, error) {
	switch v.Kind {
	case TypeUtf8, TypeBigDec:
		return []byte(v.Str), nil
	case TypeBlob:
		return v.Bytes, nil
	case TypeBigInt:
		b := v.Big
		if b == nil {
			b = new(big.Int)
		}
		// sign byte followed by magnitude
		sign := byte(0)
		if b.Sign() < 0 {
			sign = 1
		}
		return append([]byte{sign}, b.Bytes()...), nil
	default:
		return nil, diag.Invalid("ROW_006", "type %s is not variable-width", v.Kind)
	}
}

func decodeVariable(t Type, payload []byte) (Value, error) {
	switch t {
	case TypeUtf8:
		return NewUtf8(string(payload)), nil
	case TypeBigDec:
		return NewBigDec(string(payload)), nil
	case TypeBlob:
		b := make([]byte, len(payload))
		copy(b, payload)
		return NewBlob(b), nil
	case TypeBigInt:
		if len(payload) == 0 {
			return NewBigInt(new(big.Int)), nil
		}
		b := new(big.Int).SetBytes(payload[1:])
		if payload[0] == 1 {
			b.Neg(b)
		}
		return NewBigInt(b), nil
	default:
		return Value{}, diag.Invalid("ROW_006", "type %s is not variable-width", t)
	}
}

// int128Bytes encodes a big.Int into 16 bytes two's complement big-endian.
func int128Bytes(b *big.Int) []byte {
	out := make([]byte, 16)
	if b.Sign() >= 0 {
		b.FillBytes(out)
		return out
	}
	// two's complement: 2^128 + b
	mod := new(big.Int).Lsh(big.NewInt(1), 128)
	tc := new(big.Int).Add(mod, b)
	tc.FillBytes(out)
	return out
}

// int128FromBytes decodes 16 big-endian bytes, signed or unsigned.
func int128FromBytes(src []byte, signed bool) *big.Int {
	b := new(big.Int).SetBytes(src)
	if signed && src[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), 128)
		b.Sub(b, mod)
	}
	return b
}
