/*
Package cdc implements change-data-capture: the per-commit, ordered record of
every key mutation, its consumers, and retention over the log.

Every committed delta is captured as an Entry keyed by (commit version,
sequence) and stored in the same tiered backends as the multi-version data,
under a dedicated key kind. Consumers read entries in strict (version,
sequence) order through Reader.Range and advance a durable checkpoint inside
the same transaction as their downstream writes, which yields exactly-once
processing per checkpoint window.

	commit ──deltas──▶ SequenceTracker ──(version, seq)──▶ CDC table
	                                                          │
	                            PollConsumer ◀────ordered─────┘
	                                 │
	                     Consume(txn, entries) + checkpoint, one commit

The SequenceTracker assigns within-version sequence numbers from an LRU map
so the writer never scans the log; eviction is safe because committed
versions take no further sequences.

Retention erases old row versions and their CDC record per stored policy
(per source and per flow node), preserving for every key the newest version
at or below the cut-off.
*/
package cdc
