/*
Package downsample implements the per-shard streaming downsample engine: it
reads one shard of a read-only time-series source index in stream order,
folds documents into per-(series, bucket) aggregates, and bulk-writes one
rollup document per bucket into a target index.

# How a shard run works

The engine leans entirely on the reader's ordering contract -- documents
arrive sorted by series id ascending and timestamp descending within a
series -- so a single open bucket is ever needed:

	ShardDownsampler
	    │ resolve resume point, publish STARTED
	    ▼
	ShardReader ──(tsid ↑, timestamp ↓)──▶ Collector
	                                           │ detects series/bucket
	                                           │ boundaries, flushes
	                                           ▼
	                                      BucketBuilder ──▶ rollup doc
	                                           │
	                                           ▼
	                                       bulk.Sink ──batches──▶ IndexWriter

When the series id or the rounded bucket timestamp changes, the open bucket
is serialized and enqueued, and the builder resets for the next one. After
the stream ends the final bucket is flushed.

# What a rollup document contains

One document per (series, bucket):

  - the bucket-start timestamp, formatted like the source index's dates
  - _doc_count: the summed _doc_count of all contributing source docs
  - every dimension decoded from the series id, as top-level fields
  - per gauge metric: a {min, max, sum, value_count} object
  - per counter metric and label: the last observed value in the bucket

Document ids derive from (tsid, bucket start), so re-running a shard -- for
example after a resume -- overwrites rather than duplicates.

# Failure model

Three distinguished outcomes, each persisted as the task's terminal status:

  - ErrCancelled: external cancellation, observed cooperatively.
  - bulk.IndexingError: item failures or a transport failure that survived
    the sink's retries; Retryable says whether re-running the shard from the
    last completed series makes sense.
  - OrderingViolationError: the reader broke the ordering contract. This is
    a bug, not an operational failure; it is never retried.

Field configuration problems (unknown metric type, empty field names)
surface from NewShardDownsampler as FieldTypeError before the task leaves
the initializing state.
*/
package downsample
