/*
Package metrics exposes Prometheus collectors for the engine: commits and
conflicts, the watermark, tier reads and evictions, CDC throughput and
consumer lag, operator applies and worker batches, retention cycles.

All collectors register on the default registry at init; Handler returns
the scrape endpoint handler.
*/
package metrics
