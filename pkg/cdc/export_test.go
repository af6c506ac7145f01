package cdc

import "github.com/reifydb/reifydb/pkg/key"

// CollectForTest exposes Retention.collect to the external cdc_test package,
// which cannot import pkg/txn as an internal test file without an import cycle.
func (r *Retention) CollectForTest(prefix key.EncodedKey, cutoff uint64) error {
	return r.collect(prefix, cutoff)
}

// ConsumeBatchForTest exposes PollConsumer.consumeBatch to the external
// cdc_test package, which cannot import pkg/txn as an internal test file
// without an import cycle.
func (p *PollConsumer) ConsumeBatchForTest() error {
	return p.consumeBatch()
}
