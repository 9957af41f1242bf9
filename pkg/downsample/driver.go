package downsample

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nicktill/tinyroll/pkg/bulk"
	"github.com/nicktill/tinyroll/pkg/rounding"
	"github.com/nicktill/tinyroll/pkg/storage"
	"github.com/nicktill/tinyroll/pkg/task"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

// Config parameterizes one shard downsample run.
type Config struct {
	Rounding        rounding.Rounding
	TimestampField  string
	TimestampFormat string
	Metrics         []MetricConfig
	Labels          []string
	Bulk            bulk.Config
}

// ShardReport is the result of a completed shard run.
type ShardReport struct {
	ShardID string `json:"shard_id"`
	Indexed int64  `json:"indexed"`
}

// ShardDownsampler runs the downsample of one source shard into the target
// index: resolve the resume point, drive the collector over the ordered
// stream, and fold the outcome into persisted status transitions.
type ShardDownsampler struct {
	reader storage.ShardReader
	writer storage.IndexWriter
	states task.StateStore
	task   *task.ShardTask
	cfg    Config

	producers []FieldProducer
}

// NewShardDownsampler validates the field configuration up front, so mapping
// problems surface before the task leaves the initializing state.
func NewShardDownsampler(reader storage.ShardReader, writer storage.IndexWriter, states task.StateStore, t *task.ShardTask, cfg Config) (*ShardDownsampler, error) {
	producers, err := NewProducers(cfg.Metrics, cfg.Labels)
	if err != nil {
		return nil, err
	}
	if cfg.TimestampField == "" {
		return nil, &FieldTypeError{Field: cfg.TimestampField, Reason: "empty timestamp field"}
	}
	return &ShardDownsampler{
		reader:    reader,
		writer:    writer,
		states:    states,
		task:      t,
		cfg:       cfg,
		producers: producers,
	}, nil
}

// Execute runs the shard to completion. On success it returns the shard
// report; on failure the persisted status records how the run ended.
func (d *ShardDownsampler) Execute(ctx context.Context) (ShardReport, error) {
	started := time.Now()
	shardID := d.task.ShardID()

	resume, err := d.resumePoint(ctx)
	if err != nil {
		return ShardReport{}, err
	}
	if resume != nil {
		// Seed the in-memory checkpoint so a failure before any new series
		// completes does not regress the persisted resume point.
		d.task.SetLastCompletedTSID(resume)
	}

	d.task.SetTotalShardDocs(int64(d.reader.TotalDocs()))
	d.task.SetStatus(task.StatusStarted)
	d.persistState(ctx, task.State{Status: task.StatusStarted, LastCompletedTSID: resume})
	log.Printf("Downsampling task [%s] on shard [%s] started", d.task.TaskID(), shardID)

	builder, err := NewBucketBuilder(d.cfg.TimestampField, d.cfg.TimestampFormat, d.producers)
	if err != nil {
		return ShardReport{}, err
	}

	listener := &taskListener{task: d.task}
	sink := bulk.NewSink(ctx, d.writer, d.cfg.Bulk, listener)
	listener.sink = sink
	checkCancelled := func() error { return d.checkCancelled(ctx, sink) }

	collector := NewCollector(d.task, builder, sink, d.cfg.Rounding, d.seriesStart(), checkCancelled)

	runErr := func() error {
		if err := collector.PreCollection(); err != nil {
			return err
		}
		if err := d.reader.Iterate(ctx, resume, collector, checkCancelled); err != nil {
			return err
		}
		return collector.PostCollection()
	}()

	if err := sink.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		return ShardReport{}, d.failed(ctx, sink, runErr)
	}

	log.Printf("Shard [%s] successfully sent [%d], received source doc [%d], indexed rollup doc [%d], failed [%d], took [%v]",
		shardID, d.task.NumSent(), d.task.NumReceived(), d.task.NumIndexed(), d.task.NumFailed(),
		time.Since(started).Round(time.Millisecond))

	if indexed, sent := d.task.NumIndexed(), d.task.NumSent(); indexed != sent {
		err := &bulk.IndexingError{
			Retryable: false,
			Err:       fmt.Errorf("shard %s indexed [%d] but sent [%d]", shardID, indexed, sent),
		}
		return ShardReport{}, d.failed(ctx, sink, err)
	}
	if failed := d.task.NumFailed(); failed > 0 {
		err := &bulk.IndexingError{
			Retryable: false,
			Err:       fmt.Errorf("shard %s failed indexing [%d] rollup docs", shardID, failed),
		}
		return ShardReport{}, d.failed(ctx, sink, err)
	}

	d.task.SetStatus(task.StatusCompleted)
	d.persistState(ctx, task.State{Status: task.StatusCompleted})
	log.Printf("Downsampling task [%s] on shard [%s] completed", d.task.TaskID(), shardID)

	return ShardReport{ShardID: shardID, Indexed: d.task.NumIndexed()}, nil
}

// resumePoint resolves where iteration restarts: the last completed series of
// a previously started run, inclusive. A fresh task iterates everything.
func (d *ShardDownsampler) resumePoint(ctx context.Context) (tsid.TSID, error) {
	st, found, err := d.states.Load(ctx, d.task.TaskID())
	if err != nil {
		return nil, fmt.Errorf("failed to load task state: %w", err)
	}
	if found && st.Status == task.StatusStarted && st.LastCompletedTSID != nil {
		log.Printf("Downsampling task [%s] resuming from tsid [%x]", d.task.TaskID(), st.LastCompletedTSID)
		return st.LastCompletedTSID, nil
	}
	return nil, nil
}

// checkCancelled is the cooperative cancellation hook: polled by the reader,
// at bucket flushes, and around collection. External cancellation and sink
// abort both unwind through it.
func (d *ShardDownsampler) checkCancelled(ctx context.Context, sink *bulk.Sink) error {
	if d.task.Cancelled() {
		log.Printf("Shard [%s] downsample abort, sent [%d], indexed [%d], failed [%d]",
			d.task.ShardID(), d.task.NumSent(), d.task.NumIndexed(), d.task.NumFailed())
		d.task.SetStatus(task.StatusCancelled)
		d.persistState(ctx, task.State{
			Status:            task.StatusCancelled,
			LastCompletedTSID: d.task.LastCompletedTSID(),
		})
		return fmt.Errorf("shard %s: %w", d.task.ShardID(), ErrCancelled)
	}
	if sink.Aborted() {
		d.task.SetStatus(task.StatusFailed)
		d.persistState(ctx, task.State{
			Status:            task.StatusFailed,
			LastCompletedTSID: d.task.LastCompletedTSID(),
		})
		if err := sink.AbortErr(); err != nil {
			return err
		}
		return &bulk.IndexingError{Retryable: true, Err: errors.New("bulk sink aborted")}
	}
	return nil
}

// failed folds a run error into the persisted terminal state. Cancellation
// and sink aborts already persisted theirs inside checkCancelled.
func (d *ShardDownsampler) failed(ctx context.Context, sink *bulk.Sink, runErr error) error {
	if errors.Is(runErr, ErrCancelled) {
		return runErr
	}
	if errors.Is(runErr, bulk.ErrAborted) {
		// The collector stopped because the sink went down; surface the
		// sink's terminal failure instead of the producer-side symptom.
		if abortErr := sink.AbortErr(); abortErr != nil {
			runErr = abortErr
		}
	}
	log.Printf("Downsampling task [%s] on shard [%s] failed: %v", d.task.TaskID(), d.task.ShardID(), runErr)
	d.task.SetStatus(task.StatusFailed)
	d.persistState(ctx, task.State{
		Status:            task.StatusFailed,
		LastCompletedTSID: d.task.LastCompletedTSID(),
	})
	return runErr
}

func (d *ShardDownsampler) persistState(ctx context.Context, st task.State) {
	if err := d.states.Save(ctx, d.task.TaskID(), st); err != nil {
		log.Printf("Failed to persist state for task [%s]: %v", d.task.TaskID(), err)
	}
}

func (d *ShardDownsampler) seriesStart() int64 {
	startMS, _ := d.reader.TimeBounds()
	return startMS
}

// taskListener feeds the sink's batch lifecycle into the task counters. The
// sink reference is wired right after construction, before any batch can
// dispatch.
type taskListener struct {
	task *task.ShardTask
	sink *bulk.Sink
}

func (l *taskListener) BeforeBulk(info bulk.BeforeBulkInfo) {
	l.task.AddSent(int64(info.Actions))
	l.task.SetBeforeBulkInfo(info)
	if l.sink != nil {
		l.task.SetInFlightBytes(l.sink.InFlightBytes())
	}
}

func (l *taskListener) AfterBulk(info bulk.AfterBulkInfo) {
	if info.ItemsFailed > 0 {
		l.task.AddFailed(int64(info.ItemsFailed))
	}
	// Failed items are not counted as indexed, so indexed == sent only holds
	// for a fully clean run.
	l.task.AddIndexed(int64(info.Actions - info.ItemsFailed))
	l.task.SetAfterBulkInfo(info)
	if l.sink != nil {
		l.task.SetInFlightBytes(l.sink.InFlightBytes())
	}
}
