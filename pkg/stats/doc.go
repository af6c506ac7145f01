// Package stats maintains the per-column side statistics (min, max, count,
// null count) of tracked primitives, refreshed asynchronously from commit
// events. Readers get the last completed snapshot; statistics trail the
// row store by design.
package stats
