/*
Package txn is the MVCC transaction manager: version assignment, snapshot
isolation for readers, optimistic or serializable conflict control for
writers, commit ordering and the watermark.

# Transaction modes

	┌────────────── TRANSACTION MODES ───────────────┐
	│                                                 │
	│  QueryTxn    read-only, pinned to one version   │
	│  CommandTxn  read-write, buffered pending map   │
	│  Admin       CommandTxn + catalog mutation      │
	│                                                 │
	└─────────────────────────────────────────────────┘

Writers buffer mutations in a per-transaction pending map; reads see the
pending writes layered over the snapshot. Commit assigns the next version,
coalesces the pending log into deltas, emits one CDC entry per surviving
key and hands everything to the store's commit buffer, which applies
commits in strictly increasing version order even when committers finish
out of order.

# Conflict control

Optimistic mode keeps a window of recently committed write sets; a commit
whose write set intersects any commit between its begin version and its
commit attempt aborts with a conflict error. Serializable mode holds a
single exclusive writer lock from begin to finish. Readers never block in
either mode.

# Watermark

The watermark is the highest version v with every commit at or below v
applied. It never regresses. Readers asking for "latest" observe it;
readers asking for a version above it wait with a bounded timeout.
*/
package txn
