package task

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics, labeled by shard only (series ids would be unbounded
// cardinality).
var (
	docsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyroll_source_docs_received_total",
		Help: "Source documents read from the shard",
	}, []string{"shard"})
	docsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyroll_rollup_docs_sent_total",
		Help: "Rollup documents dispatched to the target index",
	}, []string{"shard"})
	docsIndexed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyroll_rollup_docs_indexed_total",
		Help: "Rollup documents acknowledged by the target index",
	}, []string{"shard"})
	docsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyroll_rollup_docs_failed_total",
		Help: "Rollup documents that failed to index",
	}, []string{"shard"})
	docsProcessed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tinyroll_docs_processed",
		Help: "Source documents consumed by the collector",
	}, []string{"shard"})
	inFlightBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tinyroll_bulk_in_flight_bytes",
		Help: "Serialized bytes dispatched to the target index but not yet acknowledged",
	}, []string{"shard"})
	bulkTook = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tinyroll_bulk_took_seconds",
		Help:    "Wall time of acknowledged bulk batches",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"shard"})
)

func init() {
	// Register eagerly; harmless when no /metrics endpoint is exposed.
	prometheus.MustRegister(docsReceived, docsSent, docsIndexed, docsFailed, docsProcessed, inFlightBytes, bulkTook)
}
