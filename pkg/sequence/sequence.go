package sequence

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
)

// Txn is the slice of the transaction API the generators need. Counter reads
// and bumps run inside the caller's transaction so they commit atomically
// with whatever consumed the value.
type Txn interface {
	Get(k key.EncodedKey) (schema.EncodedRow, bool, error)
	Set(k key.EncodedKey, row schema.EncodedRow) error
}

// NextU64 reads-or-creates the named counter, advances it by one and returns
// the pre-advance value. Once the counter reaches its maximum every further
// call fails with an exhausted error.
func NextU64(tx Txn, name string, defaultValue uint64) (uint64, error) {
	return NextBatchU64(tx, name, defaultValue, 1)
}

// NextBatchU64 advances the counter by batch and returns the first value of
// the reserved range.
func NextBatchU64(tx Txn, name string, defaultValue uint64, batch uint64) (uint64, error) {
	k := key.SystemSequence{Name: name}.Encode()
	current := defaultValue
	row, ok, err := tx.Get(k)
	if err != nil {
		return 0, err
	}
	if ok {
		if len(row) != 8 {
			return 0, diag.Invalid("SEQ_001", "sequence %q has malformed payload", name)
		}
		current = binary.BigEndian.Uint64(row)
	}
	if current == math.MaxUint64 {
		return 0, diag.Exhausted("SEQ_002", "sequence %q exhausted", name)
	}
	next := current + batch
	if next < current {
		// saturate, hand out the remaining range once
		next = math.MaxUint64
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := tx.Set(k, schema.EncodedRow(buf)); err != nil {
		return 0, err
	}
	return current, nil
}

// NextU32 is NextU64 bounded to 32 bits.
func NextU32(tx Txn, name string, defaultValue uint32) (uint32, error) {
	k := key.SystemSequence{Name: name}.Encode()
	current := defaultValue
	row, ok, err := tx.Get(k)
	if err != nil {
		return 0, err
	}
	if ok {
		if len(row) != 4 {
			return 0, diag.Invalid("SEQ_001", "sequence %q has malformed payload", name)
		}
		current = binary.BigEndian.Uint32(row)
	}
	if current == math.MaxUint32 {
		return 0, diag.Exhausted("SEQ_002", "sequence %q exhausted", name)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, current+1)
	if err := tx.Set(k, schema.EncodedRow(buf)); err != nil {
		return 0, err
	}
	return current, nil
}

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// NextU128 is NextU64 widened to 128 bits, stored as 16 big-endian bytes.
func NextU128(tx Txn, name string, defaultValue *big.Int) (*big.Int, error) {
	k := key.SystemSequence{Name: name}.Encode()
	current := new(big.Int)
	if defaultValue != nil {
		current.Set(defaultValue)
	}
	row, ok, err := tx.Get(k)
	if err != nil {
		return nil, err
	}
	if ok {
		if len(row) != 16 {
			return nil, diag.Invalid("SEQ_001", "sequence %q has malformed payload", name)
		}
		current.SetBytes(row)
	}
	if current.Cmp(maxU128) >= 0 {
		return nil, diag.Exhausted("SEQ_002", "sequence %q exhausted", name)
	}
	next := new(big.Int).Add(current, big.NewInt(1))
	buf := make([]byte, 16)
	next.FillBytes(buf)
	if err := tx.Set(k, schema.EncodedRow(buf)); err != nil {
		return nil, err
	}
	return current, nil
}
