package schema

import (
	"math"
	"math/big"
	"strconv"
)

// Coerce converts a value to the target type. Conversions that would
// overflow the target saturate to the undefined sentinel instead of failing,
// so a sink never aborts a flow over a narrow column.
func Coerce(v Value, target Type) Value {
	if v.IsUndefined() {
		return Undefined()
	}
	if v.Kind == target {
		return v
	}
	switch target {
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		i, ok := asInt64(v)
		if !ok || !fitsSigned(i, target) {
			return Undefined()
		}
		return Value{Kind: target, Int: i}
	case TypeUint1, TypeUint2, TypeUint4, TypeUint8:
		u, ok := asUint64(v)
		if !ok || !fitsUnsigned(u, target) {
			return Undefined()
		}
		return Value{Kind: target, Uint: u}
	case TypeFloat4:
		f, ok := asFloat64(v)
		if !ok || math.Abs(f) > math.MaxFloat32 {
			return Undefined()
		}
		return Value{Kind: TypeFloat4, Float: f}
	case TypeFloat8:
		f, ok := asFloat64(v)
		if !ok {
			return Undefined()
		}
		return Value{Kind: TypeFloat8, Float: f}
	case TypeInt16, TypeUint16, TypeBigInt:
		b, ok := asBig(v)
		if !ok {
			return Undefined()
		}
		if target == TypeUint16 && b.Sign() < 0 {
			return Undefined()
		}
		if target != TypeBigInt && b.BitLen() > 127 {
			return Undefined()
		}
		return Value{Kind: target, Big: b}
	case TypeUtf8:
		return NewUtf8(renderString(v))
	default:
		return Undefined()
	}
}

func asInt64(v Value) (int64, bool) {
	switch v.Kind {
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		return v.Int, true
	case TypeUint1, TypeUint2, TypeUint4, TypeUint8:
		if v.Uint > math.MaxInt64 {
			return 0, false
		}
		return int64(v.Uint), true
	case TypeFloat4, TypeFloat8:
		if v.Float != math.Trunc(v.Float) || v.Float > math.MaxInt64 || v.Float < math.MinInt64 {
			return 0, false
		}
		return int64(v.Float), true
	case TypeInt16, TypeUint16, TypeBigInt:
		if v.Big == nil || !v.Big.IsInt64() {
			return 0, false
		}
		return v.Big.Int64(), true
	default:
		return 0, false
	}
}

func asUint64(v Value) (uint64, bool) {
	switch v.Kind {
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		if v.Int < 0 {
			return 0, false
		}
		return uint64(v.Int), true
	case TypeUint1, TypeUint2, TypeUint4, TypeUint8:
		return v.Uint, true
	case TypeInt16, TypeUint16, TypeBigInt:
		if v.Big == nil || !v.Big.IsUint64() {
			return 0, false
		}
		return v.Big.Uint64(), true
	default:
		return 0, false
	}
}

func asFloat64(v Value) (float64, bool) {
	switch v.Kind {
	case TypeFloat4, TypeFloat8:
		return v.Float, true
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		return float64(v.Int), true
	case TypeUint1, TypeUint2, TypeUint4, TypeUint8:
		return float64(v.Uint), true
	default:
		return 0, false
	}
}

func asBig(v Value) (*big.Int, bool) {
	switch v.Kind {
	case TypeInt16, TypeUint16, TypeBigInt:
		if v.Big == nil {
			return new(big.Int), true
		}
		return new(big.Int).Set(v.Big), true
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		return big.NewInt(v.Int), true
	case TypeUint1, TypeUint2, TypeUint4, TypeUint8:
		return new(big.Int).SetUint64(v.Uint), true
	default:
		return nil, false
	}
}

func fitsSigned(i int64, t Type) bool {
	switch t {
	case TypeInt1:
		return i >= math.MinInt8 && i <= math.MaxInt8
	case TypeInt2:
		return i >= math.MinInt16 && i <= math.MaxInt16
	case TypeInt4:
		return i >= math.MinInt32 && i <= math.MaxInt32
	default:
		return true
	}
}

func fitsUnsigned(u uint64, t Type) bool {
	switch t {
	case TypeUint1:
		return u <= math.MaxUint8
	case TypeUint2:
		return u <= math.MaxUint16
	case TypeUint4:
		return u <= math.MaxUint32
	default:
		return true
	}
}

func renderString(v Value) string {
	switch v.Kind {
	case TypeUtf8, TypeBigDec:
		return v.Str
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		return strconv.FormatInt(v.Int, 10)
	case TypeUint1, TypeUint2, TypeUint4, TypeUint8:
		return strconv.FormatUint(v.Uint, 10)
	case TypeFloat4, TypeFloat8:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeInt16, TypeUint16, TypeBigInt:
		if v.Big == nil {
			return "0"
		}
		return v.Big.String()
	case TypeUuid4, TypeUuid7:
		return v.UUID.String()
	default:
		return ""
	}
}
