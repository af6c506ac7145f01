/*
Package engine assembles the transactional core into one lifecycle: the
tiered multi-version store, the MVCC transaction manager, the CDC log and
its consumers, the flow coordinator with its per-flow workers, and
retention garbage collection.

	eng, err := engine.Open(config.Default())
	...
	eng.Start()
	defer eng.Stop(5 * time.Second)

	tx, _ := eng.BeginCommand()
	tx.Set(k, row)
	version, _ := tx.Commit()
*/
package engine
