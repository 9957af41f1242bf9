package bulk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinyroll/pkg/storage"
	"github.com/nicktill/tinyroll/pkg/storage/memory"
	"github.com/stretchr/testify/require"
)

type countingListener struct {
	mu     sync.Mutex
	before []BeforeBulkInfo
	after  []AfterBulkInfo
}

func (l *countingListener) BeforeBulk(info BeforeBulkInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.before = append(l.before, info)
}

func (l *countingListener) AfterBulk(info AfterBulkInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.after = append(l.after, info)
}

func (l *countingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.before), len(l.after)
}

func item(id string, size int) storage.BulkItem {
	return storage.BulkItem{ID: id, Document: make([]byte, size)}
}

func TestFlushOnActionThreshold(t *testing.T) {
	ix := memory.NewIndex()
	listener := &countingListener{}
	sink := NewSink(context.Background(), ix, Config{MaxActions: 3}, listener)

	require.NoError(t, sink.Add(item("a", 10)))
	require.NoError(t, sink.Add(item("b", 10)))
	require.Equal(t, 0, ix.Batches(), "below threshold, nothing dispatched")

	require.NoError(t, sink.Add(item("c", 10)))
	require.NoError(t, sink.Close())

	require.Equal(t, 1, ix.Batches())
	require.Len(t, ix.Docs(), 3)

	before, after := listener.counts()
	require.Equal(t, 1, before)
	require.Equal(t, 1, after)
}

func TestFlushOnByteThreshold(t *testing.T) {
	ix := memory.NewIndex()
	sink := NewSink(context.Background(), ix, Config{MaxBatchBytes: 100}, NopListener{})

	require.NoError(t, sink.Add(item("a", 60)))
	require.NoError(t, sink.Add(item("b", 60)))
	require.NoError(t, sink.Close())

	require.Len(t, ix.Docs(), 2)
	require.GreaterOrEqual(t, ix.Batches(), 1)
}

func TestCloseFlushesRemainder(t *testing.T) {
	ix := memory.NewIndex()
	sink := NewSink(context.Background(), ix, DefaultConfig(), NopListener{})

	require.NoError(t, sink.Add(item("a", 10)))
	require.NoError(t, sink.Close())
	require.Len(t, ix.Docs(), 1)
}

func TestRetryTransientThenSucceed(t *testing.T) {
	ix := memory.NewIndex()
	ix.FailNextBulks(2)

	sink := NewSink(context.Background(), ix, Config{MaxActions: 1, MaxRetries: 3}, NopListener{})
	sink.retryBase = time.Millisecond

	require.NoError(t, sink.Add(item("a", 10)))
	require.NoError(t, sink.Close())

	require.False(t, sink.Aborted())
	require.Len(t, ix.Docs(), 1)
}

func TestAbortAfterRetriesExhausted(t *testing.T) {
	ix := memory.NewIndex()
	ix.FailNextBulks(10)

	sink := NewSink(context.Background(), ix, Config{MaxActions: 1, MaxRetries: 2}, NopListener{})
	sink.retryBase = time.Millisecond

	require.NoError(t, sink.Add(item("a", 10)))
	require.NoError(t, sink.Close())

	require.True(t, sink.Aborted())

	var idxErr *IndexingError
	require.ErrorAs(t, sink.AbortErr(), &idxErr)
	require.True(t, idxErr.Retryable, "post-retry transport failure is retryable")
}

func TestAbortOnItemFailure(t *testing.T) {
	ix := memory.NewIndex()
	ix.FailItem("bad", "mapping conflict")

	listener := &countingListener{}
	sink := NewSink(context.Background(), ix, Config{MaxActions: 2}, listener)

	require.NoError(t, sink.Add(item("good", 10)))
	require.NoError(t, sink.Add(item("bad", 10)))
	require.NoError(t, sink.Close())

	require.True(t, sink.Aborted())

	var idxErr *IndexingError
	require.ErrorAs(t, sink.AbortErr(), &idxErr)
	require.True(t, idxErr.Retryable)

	_, after := listener.counts()
	require.Equal(t, 1, after)
	require.True(t, listener.after[0].HasFailures)
	require.Equal(t, 1, listener.after[0].ItemsFailed)
}

func TestAddFailsFastAfterAbort(t *testing.T) {
	ix := memory.NewIndex()
	ix.FailItem("bad", "boom")

	sink := NewSink(context.Background(), ix, Config{MaxActions: 1}, NopListener{})
	require.NoError(t, sink.Add(item("bad", 10)))

	// Wait for the dispatcher to process the failing batch
	require.Eventually(t, sink.Aborted, time.Second, time.Millisecond)

	err := sink.Add(item("next", 10))
	require.ErrorIs(t, err, ErrAborted)
	require.NoError(t, sink.Close())
}

func TestBackpressureBlocksUntilAck(t *testing.T) {
	ix := memory.NewIndex()

	release := make(chan struct{})
	var gateOnce sync.Once
	ix.OnBulk = func(items []storage.BulkItem) error {
		gateOnce.Do(func() { <-release })
		return nil
	}

	// One 100-byte doc per batch, 150-byte in-flight window: the second
	// dispatch must wait for the first acknowledgement.
	sink := NewSink(context.Background(), ix, Config{MaxActions: 1, MaxInFlightBytes: 150}, NopListener{})

	require.NoError(t, sink.Add(item("a", 100)))

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- sink.Add(item("b", 100))
	}()

	select {
	case <-unblocked:
		t.Fatal("second Add should block on the in-flight window")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Add never unblocked after acknowledgement")
	}

	require.NoError(t, sink.Close())
	require.Len(t, ix.Docs(), 2)
}

func TestBackpressureWakesOnAbort(t *testing.T) {
	ix := memory.NewIndex()
	ix.FailItem("a", "boom")

	hold := make(chan struct{})
	var gateOnce sync.Once
	ix.OnBulk = func(items []storage.BulkItem) error {
		gateOnce.Do(func() { <-hold })
		return nil
	}

	sink := NewSink(context.Background(), ix, Config{MaxActions: 1, MaxInFlightBytes: 150}, NopListener{})
	require.NoError(t, sink.Add(item("a", 100)))

	blocked := make(chan error, 1)
	go func() {
		blocked <- sink.Add(item("b", 100))
	}()

	time.Sleep(20 * time.Millisecond)
	close(hold) // first batch completes with an item failure -> abort

	select {
	case err := <-blocked:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("blocked Add never woke on abort")
	}

	require.NoError(t, sink.Close())
}

func TestDispatchPreservesSubmissionOrder(t *testing.T) {
	ix := memory.NewIndex()

	var mu sync.Mutex
	var order []string
	ix.OnBulk = func(items []storage.BulkItem) error {
		mu.Lock()
		defer mu.Unlock()
		for _, it := range items {
			order = append(order, it.ID)
		}
		return nil
	}

	sink := NewSink(context.Background(), ix, Config{MaxActions: 2}, NopListener{})
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		require.NoError(t, sink.Add(item(id, 10)))
	}
	require.NoError(t, sink.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ids, order)
}

func TestTerminalTransportErrorNotRetried(t *testing.T) {
	ix := memory.NewIndex()
	calls := 0
	ix.OnBulk = func(items []storage.BulkItem) error {
		calls++
		return errors.New("schema rejected") // not wrapped in ErrTransient
	}

	sink := NewSink(context.Background(), ix, Config{MaxActions: 1, MaxRetries: 3}, NopListener{})
	sink.retryBase = time.Millisecond

	require.NoError(t, sink.Add(item("a", 10)))
	require.NoError(t, sink.Close())

	require.True(t, sink.Aborted())
	require.Equal(t, 1, calls, "terminal errors must not be retried")

	var idxErr *IndexingError
	require.ErrorAs(t, sink.AbortErr(), &idxErr)
	require.False(t, idxErr.Retryable)
}
