package key

import (
	"encoding/binary"

	"github.com/reifydb/reifydb/pkg/diag"
)

// EncodedKey is an opaque, order-preserving byte sequence. Byte-wise
// lexicographic order of encoded keys defines scan order.
type EncodedKey []byte

// formatVersion is the current key layout version. It is stored bit-inverted
// as the first byte of every key.
const formatVersion byte = 1

// Serializer builds encoded keys. The leading version and kind bytes are
// bit-inverted; payload integers are fixed-width big-endian; variable-width
// fields are length-prefixed.
type Serializer struct {
	buf []byte
}

// NewSerializer creates a serializer pre-sized for cap bytes.
func NewSerializer(capacity int) *Serializer {
	return &Serializer{buf: make([]byte, 0, capacity)}
}

// Header writes the inverted format version and kind discriminator.
func (s *Serializer) Header(kind Kind) *Serializer {
	s.buf = append(s.buf, ^formatVersion, ^byte(kind))
	return s
}

// U8 appends a fixed-width byte.
func (s *Serializer) U8(v uint8) *Serializer {
	s.buf = append(s.buf, v)
	return s
}

// U16 appends a big-endian uint16.
func (s *Serializer) U16(v uint16) *Serializer {
	s.buf = binary.BigEndian.AppendUint16(s.buf, v)
	return s
}

// U32 appends a big-endian uint32.
func (s *Serializer) U32(v uint32) *Serializer {
	s.buf = binary.BigEndian.AppendUint32(s.buf, v)
	return s
}

// U64 appends a big-endian uint64.
func (s *Serializer) U64(v uint64) *Serializer {
	s.buf = binary.BigEndian.AppendUint64(s.buf, v)
	return s
}

// Bytes appends a length-prefixed variable-width field.
func (s *Serializer) Bytes(v []byte) *Serializer {
	s.buf = binary.BigEndian.AppendUint32(s.buf, uint32(len(v)))
	s.buf = append(s.buf, v...)
	return s
}

// Str appends a length-prefixed string field.
func (s *Serializer) Str(v string) *Serializer {
	return s.Bytes([]byte(v))
}

// Finish returns the encoded key.
func (s *Serializer) Finish() EncodedKey {
	return EncodedKey(s.buf)
}

// Deserializer reads encoded keys back. Decoders must refuse unknown version
// or kind bytes; Header enforces both.
type Deserializer struct {
	buf []byte
	pos int
}

// NewDeserializer wraps an encoded key for reading.
func NewDeserializer(k EncodedKey) *Deserializer {
	return &Deserializer{buf: k}
}

func (d *Deserializer) remaining() int {
	return len(d.buf) - d.pos
}

// Header reads and validates the version byte, then returns the kind.
func (d *Deserializer) Header() (Kind, error) {
	if d.remaining() < 2 {
		return 0, diag.Invalid("KEY_001", "key too short for header")
	}
	version := ^d.buf[d.pos]
	kind := Kind(^d.buf[d.pos+1])
	d.pos += 2
	if version != formatVersion {
		return 0, diag.Invalid("KEY_002", "unknown key format version %d", version)
	}
	if !kind.valid() {
		return 0, diag.Invalid("KEY_003", "unknown key kind %d", kind)
	}
	return kind, nil
}

// ExpectKind reads the header and fails unless the kind matches.
func (d *Deserializer) ExpectKind(want Kind) error {
	kind, err := d.Header()
	if err != nil {
		return err
	}
	if kind != want {
		return diag.Invalid("KEY_004", "key kind mismatch: have %s, want %s", kind, want)
	}
	return nil
}

// U8 reads a fixed-width byte.
func (d *Deserializer) U8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, diag.Invalid("KEY_005", "key truncated reading u8")
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// U16 reads a big-endian uint16.
func (d *Deserializer) U16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, diag.Invalid("KEY_005", "key truncated reading u16")
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

// U32 reads a big-endian uint32.
func (d *Deserializer) U32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, diag.Invalid("KEY_005", "key truncated reading u32")
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// U64 reads a big-endian uint64.
func (d *Deserializer) U64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, diag.Invalid("KEY_005", "key truncated reading u64")
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Bytes reads a length-prefixed field.
func (d *Deserializer) Bytes() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	if d.remaining() < int(n) {
		return nil, diag.Invalid("KEY_005", "key truncated reading %d bytes", n)
	}
	v := make([]byte, n)
	copy(v, d.buf[d.pos:])
	d.pos += int(n)
	return v, nil
}

// Str reads a length-prefixed string field.
func (d *Deserializer) Str() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Done fails if unread bytes remain.
func (d *Deserializer) Done() error {
	if d.remaining() != 0 {
		return diag.Invalid("KEY_006", "key has %d trailing bytes", d.remaining())
	}
	return nil
}

// PrefixEnd returns the smallest key strictly greater than every key carrying
// the given prefix, or nil when no such key exists.
func PrefixEnd(prefix EncodedKey) EncodedKey {
	end := make(EncodedKey, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
