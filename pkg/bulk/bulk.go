package bulk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyroll/pkg/storage"
)

// Bulk thresholds. Matched to what a downsample shard produces: many small
// documents, flushed long before memory pressure builds.
const (
	DefaultMaxActions       = 10_000
	DefaultMaxBatchBytes    = 1 << 20  // 1 MiB
	DefaultMaxInFlightBytes = 50 << 20 // 50 MiB
	DefaultMaxRetries       = 3

	retryBaseDelay = 500 * time.Millisecond
)

// ErrAborted is returned by Add once the sink has aborted. The caller must
// stop producing; the underlying failure is available via AbortErr.
var ErrAborted = errors.New("bulk: sink aborted")

// IndexingError is the terminal failure of a sink: item-level failures in an
// acknowledged batch, or a transport failure that survived all retries.
type IndexingError struct {
	Retryable bool
	Err       error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("bulk indexing failure (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *IndexingError) Unwrap() error { return e.Err }

// Config tunes the sink's batching and backpressure thresholds.
type Config struct {
	MaxActions       int
	MaxBatchBytes    int64
	MaxInFlightBytes int64
	MaxRetries       int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxActions:       DefaultMaxActions,
		MaxBatchBytes:    DefaultMaxBatchBytes,
		MaxInFlightBytes: DefaultMaxInFlightBytes,
		MaxRetries:       DefaultMaxRetries,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxActions <= 0 {
		c.MaxActions = DefaultMaxActions
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.MaxInFlightBytes <= 0 {
		c.MaxInFlightBytes = DefaultMaxInFlightBytes
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// BeforeBulkInfo describes a batch about to be dispatched.
type BeforeBulkInfo struct {
	At             int64 // unix millis
	ExecutionID    int64
	EstimatedBytes int64
	Actions        int
}

// AfterBulkInfo describes a completed batch.
type AfterBulkInfo struct {
	At          int64 // unix millis
	ExecutionID int64
	Actions     int
	TookMillis  int64
	HasFailures bool
	ItemsFailed int
}

// Listener observes batch dispatches. Callbacks run on the sink's dispatcher
// goroutine and must not block.
type Listener interface {
	BeforeBulk(info BeforeBulkInfo)
	AfterBulk(info AfterBulkInfo)
}

// NopListener ignores all callbacks.
type NopListener struct{}

func (NopListener) BeforeBulk(BeforeBulkInfo) {}
func (NopListener) AfterBulk(AfterBulkInfo)   {}

// Sink buffers rollup documents and flushes them to an index writer in
// batches. The producing side (Add, Close) is single-goroutine: the
// collector. Dispatching runs on one background goroutine, so batches reach
// the writer in submission order.
//
// Backpressure: once the serialized bytes of dispatched-but-unacknowledged
// batches would exceed MaxInFlightBytes, Add blocks until acknowledgements
// drain the window or the sink aborts.
//
// Failure: a transient transport error is retried with exponential backoff up
// to MaxRetries times. Item-level failures in an acknowledged batch, or a
// transport failure that survives the retries, set a sticky abort flag; no
// further batches are dispatched and Add fails fast with ErrAborted.
type Sink struct {
	cfg      Config
	writer   storage.IndexWriter
	listener Listener

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []storage.BulkItem
	bufBytes int64
	pending  []batch
	inFlight int64
	closed   bool
	abortErr error

	aborted atomic.Bool
	execID  atomic.Int64

	retryBase time.Duration
	done      chan struct{}
}

type batch struct {
	id    int64
	items []storage.BulkItem
	bytes int64
}

// NewSink creates a sink writing to the given index writer and starts its
// dispatcher. ctx bounds the writer calls; cancelling it aborts the sink.
func NewSink(ctx context.Context, writer storage.IndexWriter, cfg Config, listener Listener) *Sink {
	if listener == nil {
		listener = NopListener{}
	}
	s := &Sink{
		cfg:       cfg.withDefaults(),
		writer:    writer,
		listener:  listener,
		retryBase: retryBaseDelay,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.dispatch(ctx)
	return s
}

// Add buffers one document, flushing a batch when the action-count or byte
// threshold is reached. It may block on the in-flight window; it returns
// ErrAborted (without buffering) once the sink has aborted.
func (s *Sink) Add(item storage.BulkItem) error {
	if s.aborted.Load() {
		return ErrAborted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("bulk: add after close")
	}

	s.buf = append(s.buf, item)
	s.bufBytes += itemBytes(item)

	if len(s.buf) >= s.cfg.MaxActions || s.bufBytes >= s.cfg.MaxBatchBytes {
		return s.flushLocked()
	}
	return nil
}

// flushLocked moves the buffer into the dispatch queue, waiting out the
// in-flight window first. Callers hold s.mu.
func (s *Sink) flushLocked() error {
	if len(s.buf) == 0 {
		return nil
	}

	for s.inFlight+s.bufBytes > s.cfg.MaxInFlightBytes && !s.aborted.Load() {
		s.cond.Wait()
	}
	if s.aborted.Load() {
		return ErrAborted
	}

	b := batch{
		id:    s.execID.Add(1),
		items: s.buf,
		bytes: s.bufBytes,
	}
	s.buf = nil
	s.bufBytes = 0
	s.inFlight += b.bytes
	s.pending = append(s.pending, b)
	s.cond.Broadcast()
	return nil
}

// Close flushes the remaining buffer and waits for all dispatched batches to
// complete (successfully or not). The sink cannot be reused afterwards.
func (s *Sink) Close() error {
	s.mu.Lock()
	flushErr := s.flushLocked()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done

	if flushErr != nil && !errors.Is(flushErr, ErrAborted) {
		return flushErr
	}
	return nil
}

// Aborted reports whether the sink has hit a terminal failure.
func (s *Sink) Aborted() bool {
	return s.aborted.Load()
}

// AbortErr returns the terminal failure, or nil.
func (s *Sink) AbortErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr
}

// InFlightBytes returns the current in-flight window usage.
func (s *Sink) InFlightBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Sink) dispatch(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		b := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if s.aborted.Load() {
			// Drain without dispatching; acknowledgements still free the window
			s.completeBatch(b)
			continue
		}

		s.listener.BeforeBulk(BeforeBulkInfo{
			At:             time.Now().UnixMilli(),
			ExecutionID:    b.id,
			EstimatedBytes: b.bytes,
			Actions:        len(b.items),
		})

		result, err := s.bulkWithRetry(ctx, b)

		after := AfterBulkInfo{
			At:          time.Now().UnixMilli(),
			ExecutionID: b.id,
			Actions:     len(b.items),
		}
		switch {
		case err != nil:
			after.HasFailures = true
			after.ItemsFailed = len(b.items)
			s.abort(&IndexingError{Retryable: errors.Is(err, storage.ErrTransient), Err: err})
			log.Printf("Bulk [%d] failed to index %d docs: %v", b.id, len(b.items), err)
		case result.Failed() > 0:
			after.TookMillis = result.TookMillis
			after.HasFailures = true
			after.ItemsFailed = result.Failed()
			s.abort(&IndexingError{
				Retryable: true,
				Err:       fmt.Errorf("%d item failures in batch %d (first: %s)", result.Failed(), b.id, firstFailure(result)),
			})
			log.Printf("Bulk [%d] reported %d item failures", b.id, result.Failed())
		default:
			after.TookMillis = result.TookMillis
		}

		s.listener.AfterBulk(after)
		s.completeBatch(b)
	}
}

func (s *Sink) completeBatch(b batch) {
	s.mu.Lock()
	s.inFlight -= b.bytes
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Sink) bulkWithRetry(ctx context.Context, b batch) (storage.BulkResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryBase * time.Duration(1<<(attempt-1))
			log.Printf("Bulk [%d] retrying in %v (attempt %d/%d)...", b.id, delay, attempt+1, s.cfg.MaxRetries+1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return storage.BulkResult{}, ctx.Err()
			}
		}

		result, err := s.writer.Bulk(ctx, b.items)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, storage.ErrTransient) {
			return storage.BulkResult{}, err
		}
	}
	return storage.BulkResult{}, fmt.Errorf("failed after %d attempts: %w", s.cfg.MaxRetries+1, lastErr)
}

func (s *Sink) abort(err error) {
	s.mu.Lock()
	if s.abortErr == nil {
		s.abortErr = err
	}
	s.aborted.Store(true)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func itemBytes(item storage.BulkItem) int64 {
	return int64(len(item.ID) + len(item.Document))
}

func firstFailure(result storage.BulkResult) string {
	for _, item := range result.Items {
		if item.Error != "" {
			return fmt.Sprintf("%s: %s", item.ID, item.Error)
		}
	}
	return ""
}
