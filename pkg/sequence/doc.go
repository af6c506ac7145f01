// Package sequence provides named u32/u64/u128 counters stored as ordinary
// keys, advanced inside the caller's transaction. Counters saturate and
// then fail with a distinct exhausted error; they never wrap.
package sequence
