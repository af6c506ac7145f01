/*
Package diag defines the engine error taxonomy.

Every error carries a closed Kind (conflict, exhausted, not_found, invalid,
io, cancelled, timeout, internal), a stable diagnostic code and optionally a
source fragment (line, column, length) so higher layers can render precise
highlights. Callers branch on kinds via IsKind/KindOf; conflict and timeout
are retryable, internal never is.
*/
package diag
