/*
Package schema defines typed values and the encoded row format.

An encoded row is a fixed-schema byte layout driven by a field table:
an undefined bitmap, a fixed-width section, and a dynamic section for
variable-width payloads addressed by (offset, length) slots. A single
undefined sentinel exists for every type.

Coerce converts values between types with undefined-on-overflow saturation,
used by sinks writing into declared view schemas.
*/
package schema
