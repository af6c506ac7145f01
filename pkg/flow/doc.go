/*
Package flow is the incremental dataflow engine: operator graphs that
consume CDC events, maintain persistent per-node state and write results
back into views or subscription delta logs.

# Architecture

	            CDC log (ordered)
	                 │
	                 ▼
	        ┌─────────────────┐
	        │   Coordinator    │  single durable consumer
	        │  (poll, spawn)   │  checkpoint moves with worker writes
	        └───────┬─────────┘
	                │ per-flow batches (bounded channels)
	                ▼
	        ┌─────────────────┐
	        │  Flow Workers    │  one goroutine per flow
	        │ (operator graph) │  deterministic per-flow order
	        └───────┬─────────┘
	                │ state + sink writes
	                ▼
	        multi-version store

# Operators

filter, map, extend (stateless); aggregate, sort, take, window (stateful);
inner and left joins (eager hash or lazy-right); sink-view and
sink-subscription (terminal); apply (custom transform). Operator state lives
under key prefixes scoped by the owning node id; dropping a flow erases
every key under those scopes.

Operator Apply is idempotent across crashes because state writes commit
atomically with the consumer checkpoint: a batch either fully happened or
is replayed from the same inputs.

Expressions are opaque callables resolved by name through a Registry, so
flow definitions stay plain serialisable catalog objects.
*/
package flow
