/*
Package key implements the order-preserving encoded key format.

Every key is [version_byte, kind_byte, payload...]: the leading format
version and kind discriminator are stored bit-inverted, payload integers are
fixed-width big-endian and variable-width fields are length-prefixed, so the
byte-wise lexicographic order of encoded keys matches each kind's semantic
order. Decoders refuse unknown version bytes and kind discriminators.

Keys of distinct kinds never overlap; each kind owns a stable discriminator
byte that is part of the wire format.
*/
package key
