package task

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nicktill/tinyroll/pkg/bulk"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

// Status is the lifecycle state of a shard downsample task.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusStarted      Status = "started"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// State is the persisted shard-level checkpoint. Only LastCompletedTSID is
// consulted on resume: the last open series is recomputed from scratch, so no
// in-bucket progress needs to survive a restart.
type State struct {
	Status            Status    `cbor:"status" json:"status"`
	LastCompletedTSID tsid.TSID `cbor:"last_completed_tsid,omitempty" json:"last_completed_tsid,omitempty"`
}

// StateStore persists task state records by task id.
type StateStore interface {
	Load(ctx context.Context, taskID string) (State, bool, error)
	Save(ctx context.Context, taskID string, state State) error
	Close() error
}

// ShardTask is the live handle for one shard downsample run: progress
// counters, cancellation flag, and the latest bulk info records. Counter
// updates may come from the collector goroutine and the sink's dispatcher
// concurrently.
type ShardTask struct {
	taskID  string
	shardID string

	cancelled atomic.Bool

	received       atomic.Int64
	sent           atomic.Int64
	indexed        atomic.Int64
	failed         atomic.Int64
	docsProcessed  atomic.Int64
	totalShardDocs atomic.Int64

	lastSourceTS atomic.Int64
	lastTargetTS atomic.Int64
	lastIndexTS  atomic.Int64

	mu                sync.Mutex
	status            Status
	lastCompletedTSID tsid.TSID
	beforeBulk        *bulk.BeforeBulkInfo
	afterBulk         *bulk.AfterBulkInfo
}

// New creates a task handle in the initializing state.
func New(taskID, shardID string) *ShardTask {
	return &ShardTask{
		taskID:  taskID,
		shardID: shardID,
		status:  StatusInitializing,
	}
}

// TaskID returns the persistent task identifier.
func (t *ShardTask) TaskID() string { return t.taskID }

// ShardID returns the source shard identifier.
func (t *ShardTask) ShardID() string { return t.shardID }

// Cancel requests cooperative cancellation. The engine observes it at its
// next cancellation check.
func (t *ShardTask) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested.
func (t *ShardTask) Cancelled() bool { return t.cancelled.Load() }

// SetStatus records the in-memory status. Persisting is the driver's job.
func (t *ShardTask) SetStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Status returns the current in-memory status.
func (t *ShardTask) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetLastCompletedTSID records the most recent fully collected series.
func (t *ShardTask) SetLastCompletedTSID(id tsid.TSID) {
	clone := id.Clone()
	t.mu.Lock()
	t.lastCompletedTSID = clone
	t.mu.Unlock()
}

// LastCompletedTSID returns the most recent fully collected series, or nil.
func (t *ShardTask) LastCompletedTSID() tsid.TSID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCompletedTSID
}

// AddReceived counts source documents fetched from the shard.
func (t *ShardTask) AddReceived(n int64) {
	t.received.Add(n)
	docsReceived.WithLabelValues(t.shardID).Add(float64(n))
}

// AddSent counts rollup documents handed to the index writer.
func (t *ShardTask) AddSent(n int64) {
	t.sent.Add(n)
	docsSent.WithLabelValues(t.shardID).Add(float64(n))
}

// AddIndexed counts rollup documents acknowledged by the index writer.
func (t *ShardTask) AddIndexed(n int64) {
	t.indexed.Add(n)
	docsIndexed.WithLabelValues(t.shardID).Add(float64(n))
}

// AddFailed counts rollup documents that failed to index.
func (t *ShardTask) AddFailed(n int64) {
	t.failed.Add(n)
	docsFailed.WithLabelValues(t.shardID).Add(float64(n))
}

// SetDocsProcessed records how many source documents the collector consumed.
func (t *ShardTask) SetDocsProcessed(n int64) {
	t.docsProcessed.Store(n)
	docsProcessed.WithLabelValues(t.shardID).Set(float64(n))
}

// SetInFlightBytes records the sink's current in-flight window usage.
func (t *ShardTask) SetInFlightBytes(n int64) {
	inFlightBytes.WithLabelValues(t.shardID).Set(float64(n))
}

// SetTotalShardDocs records the shard's total document count.
func (t *ShardTask) SetTotalShardDocs(n int64) { t.totalShardDocs.Store(n) }

// SetLastSourceTS records the timestamp of the last source doc seen.
func (t *ShardTask) SetLastSourceTS(ms int64) { t.lastSourceTS.Store(ms) }

// SetLastTargetTS records the bucket timestamp last written to.
func (t *ShardTask) SetLastTargetTS(ms int64) { t.lastTargetTS.Store(ms) }

// SetLastIndexTS records the wall-clock time of the last enqueue.
func (t *ShardTask) SetLastIndexTS(ms int64) { t.lastIndexTS.Store(ms) }

func (t *ShardTask) NumReceived() int64   { return t.received.Load() }
func (t *ShardTask) NumSent() int64       { return t.sent.Load() }
func (t *ShardTask) NumIndexed() int64    { return t.indexed.Load() }
func (t *ShardTask) NumFailed() int64     { return t.failed.Load() }
func (t *ShardTask) DocsProcessed() int64 { return t.docsProcessed.Load() }

// SetBeforeBulkInfo records the latest pre-dispatch bulk info.
func (t *ShardTask) SetBeforeBulkInfo(info bulk.BeforeBulkInfo) {
	t.mu.Lock()
	t.beforeBulk = &info
	t.mu.Unlock()
}

// SetAfterBulkInfo records the latest post-dispatch bulk info.
func (t *ShardTask) SetAfterBulkInfo(info bulk.AfterBulkInfo) {
	t.mu.Lock()
	t.afterBulk = &info
	t.mu.Unlock()
	bulkTook.WithLabelValues(t.shardID).Observe(float64(info.TookMillis) / 1000)
}

// Snapshot is a point-in-time view of the task, shaped for the admin API and
// the progress feed.
type Snapshot struct {
	TaskID         string               `json:"task_id"`
	ShardID        string               `json:"shard_id"`
	Status         Status               `json:"status"`
	NumReceived    int64                `json:"num_received"`
	NumSent        int64                `json:"num_sent"`
	NumIndexed     int64                `json:"num_indexed"`
	NumFailed      int64                `json:"num_failed"`
	DocsProcessed  int64                `json:"docs_processed"`
	TotalShardDocs int64                `json:"total_shard_docs"`
	LastSourceTS   int64                `json:"last_source_ts"`
	LastTargetTS   int64                `json:"last_target_ts"`
	LastIndexTS    int64                `json:"last_index_ts"`
	BeforeBulk     *bulk.BeforeBulkInfo `json:"before_bulk,omitempty"`
	AfterBulk      *bulk.AfterBulkInfo  `json:"after_bulk,omitempty"`
}

// Snapshot captures the task's current counters and status.
func (t *ShardTask) Snapshot() Snapshot {
	t.mu.Lock()
	status := t.status
	before := t.beforeBulk
	after := t.afterBulk
	t.mu.Unlock()

	return Snapshot{
		TaskID:         t.taskID,
		ShardID:        t.shardID,
		Status:         status,
		NumReceived:    t.received.Load(),
		NumSent:        t.sent.Load(),
		NumIndexed:     t.indexed.Load(),
		NumFailed:      t.failed.Load(),
		DocsProcessed:  t.docsProcessed.Load(),
		TotalShardDocs: t.totalShardDocs.Load(),
		LastSourceTS:   t.lastSourceTS.Load(),
		LastTargetTS:   t.lastTargetTS.Load(),
		LastIndexTS:    t.lastIndexTS.Load(),
		BeforeBulk:     before,
		AfterBulk:      after,
	}
}
