// Package state provides the persisted task-state stores.
package state

import (
	"context"
	"fmt"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/nicktill/tinyroll/pkg/task"
)

// MemoryStore keeps task states in memory. Useful for testing; resume across
// restarts obviously needs the badger store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]task.State
}

// NewMemory creates an in-memory state store.
func NewMemory() *MemoryStore {
	return &MemoryStore{states: make(map[string]task.State)}
}

// Load returns the stored state for the task, if any.
func (m *MemoryStore) Load(ctx context.Context, taskID string) (task.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[taskID]
	return st, ok, nil
}

// Save stores the state for the task.
func (m *MemoryStore) Save(ctx context.Context, taskID string, st task.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[taskID] = task.State{
		Status:            st.Status,
		LastCompletedTSID: st.LastCompletedTSID.Clone(),
	}
	return nil
}

// Close is a no-op for memory stores.
func (m *MemoryStore) Close() error { return nil }

// BadgerStore persists task states in a BadgerDB database, one record per
// task id.
type BadgerStore struct {
	db *badgerdb.DB
}

// OpenBadger opens (or creates) a badger-backed state store at path.
// An empty path opens an in-memory database.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// State records are tiny; keep badger's footprint minimal
	opts = opts.
		WithMemTableSize(1 << 20).
		WithNumMemtables(2).
		WithMaxLevels(3).
		WithNumCompactors(2).
		WithValueThreshold(256)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load returns the stored state for the task, if any.
func (b *BadgerStore) Load(ctx context.Context, taskID string) (task.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return task.State{}, false, err
	}

	var st task.State
	found := false
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(stateKey(taskID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &st)
		})
	})
	if err != nil {
		return task.State{}, false, fmt.Errorf("failed to load task state: %w", err)
	}
	return st, found, nil
}

// Save stores the state for the task.
func (b *BadgerStore) Save(ctx context.Context, taskID string, st task.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := cbor.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode task state: %w", err)
	}
	err = b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(stateKey(taskID), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save task state: %w", err)
	}
	return nil
}

// Close shuts down the store cleanly.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func stateKey(taskID string) []byte {
	return []byte("taskstate/" + taskID)
}
