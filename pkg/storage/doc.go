/*
Package storage defines the interfaces between the downsample engine and the
underlying document store.

# The two halves

A downsample run reads from one store and writes to another:

	┌────────────────┐    ordered doc stream    ┌─────────────┐
	│  ShardReader    │ ───────────────────────▶ │  Collector  │
	│  (source shard) │  (tsid ↑, timestamp ↓)   └──────┬──────┘
	└────────────────┘                                  │ rollup docs
	                                                    ▼
	┌────────────────┐      bulk batches        ┌─────────────┐
	│  IndexWriter    │ ◀─────────────────────── │  Bulk sink  │
	│  (target index) │                          └─────────────┘
	└────────────────┘

# Ordering contract

ShardReader.Iterate yields documents sorted by series id ascending and, within
one series, by timestamp descending. The engine depends on this: it keeps a
single open bucket and flushes it the moment the stream moves to a different
series or an older bucket. Readers that cannot provide this order cannot back
the engine.

Segments ("leaves") partition a shard. Document ids and tsid ordinals are
scoped to their segment; only the tsid bytes are comparable across segments.

# Implementations

  - memory: in-process shard and index, used by tests. Supports multiple
    synthetic segments and fault injection on the writer.
  - badger: persistent shard and index on BadgerDB. The shard key layout
    makes a forward key scan produce exactly the required order.
*/
package storage
