package cdc

import (
	"encoding/binary"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
)

// ChangeOp discriminates the kinds of captured mutation.
type ChangeOp uint8

const (
	OpInsert ChangeOp = iota + 1
	OpUpdate
	OpRemove
)

func (o ChangeOp) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one captured key mutation. Pre carries the encoded row as of the
// version immediately prior to the commit; Post the row written by it.
type Change struct {
	Op   ChangeOp
	Key  key.EncodedKey
	Pre  schema.EncodedRow
	Post schema.EncodedRow
}

// Entry is one CDC log record at (version, sequence).
type Entry struct {
	Version  uint64
	Sequence uint16
	Change   Change
}

const changeFormatVersion byte = 1

// EncodeChange serialises a change into the CDC entry payload.
func EncodeChange(c Change) []byte {
	size := 2 + 4 + len(c.Key) + 1 + 1
	if c.Pre != nil {
		size += 4 + len(c.Pre)
	}
	if c.Post != nil {
		size += 4 + len(c.Post)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, changeFormatVersion, byte(c.Op))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Key)))
	buf = append(buf, c.Key...)
	buf = appendOptional(buf, c.Pre)
	buf = appendOptional(buf, c.Post)
	return buf
}

func appendOptional(buf []byte, row schema.EncodedRow) []byte {
	if row == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(row)))
	return append(buf, row...)
}

// DecodeChange reverses EncodeChange, refusing unknown format versions and
// operation discriminators.
func DecodeChange(payload []byte) (Change, error) {
	if len(payload) < 2 {
		return Change{}, diag.Invalid("CDC_001", "change payload too short")
	}
	if payload[0] != changeFormatVersion {
		return Change{}, diag.Invalid("CDC_002", "unknown change format version %d", payload[0])
	}
	op := ChangeOp(payload[1])
	if op < OpInsert || op > OpRemove {
		return Change{}, diag.Invalid("CDC_003", "unknown change op %d", payload[1])
	}
	pos := 2
	if len(payload) < pos+4 {
		return Change{}, diag.Invalid("CDC_001", "change payload truncated")
	}
	keyLen := int(binary.BigEndian.Uint32(payload[pos:]))
	pos += 4
	if len(payload) < pos+keyLen {
		return Change{}, diag.Invalid("CDC_001", "change payload truncated")
	}
	k := make(key.EncodedKey, keyLen)
	copy(k, payload[pos:pos+keyLen])
	pos += keyLen

	pre, pos, err := readOptional(payload, pos)
	if err != nil {
		return Change{}, err
	}
	post, pos, err := readOptional(payload, pos)
	if err != nil {
		return Change{}, err
	}
	if pos != len(payload) {
		return Change{}, diag.Invalid("CDC_001", "change payload has trailing bytes")
	}
	return Change{Op: op, Key: k, Pre: pre, Post: post}, nil
}

func readOptional(payload []byte, pos int) (schema.EncodedRow, int, error) {
	if len(payload) < pos+1 {
		return nil, 0, diag.Invalid("CDC_001", "change payload truncated")
	}
	present := payload[pos]
	pos++
	if present == 0 {
		return nil, pos, nil
	}
	if len(payload) < pos+4 {
		return nil, 0, diag.Invalid("CDC_001", "change payload truncated")
	}
	n := int(binary.BigEndian.Uint32(payload[pos:]))
	pos += 4
	if len(payload) < pos+n {
		return nil, 0, diag.Invalid("CDC_001", "change payload truncated")
	}
	row := make(schema.EncodedRow, n)
	copy(row, payload[pos:pos+n])
	return row, pos + n, nil
}
