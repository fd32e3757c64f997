package task

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/skovert/relay/internal/store"
)

// MemoryResultStore is an in-memory ResultStore used by tests and the
// single-process demo. It enforces the same write-if-absent finalization
// semantics as the durable store.
type MemoryResultStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*ResultRecord

	// WriteFn, when set, replaces WriteResult. Tests use this to inject
	// store failures.
	WriteFn func(ctx context.Context, record *ResultRecord) error

	// GetFn, when set, replaces GetResult.
	GetFn func(ctx context.Context, taskID uuid.UUID) (*ResultRecord, error)
}

// NewMemoryResultStore creates an empty in-memory result store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{
		records: make(map[uuid.UUID]*ResultRecord),
	}
}

// WriteResult records the terminal outcome if no record exists yet for the
// task id. A second write for the same id is a no-op.
func (s *MemoryResultStore) WriteResult(ctx context.Context, record *ResultRecord) error {
	if s.WriteFn != nil {
		return s.WriteFn(ctx, record)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.TaskID]; exists {
		return nil
	}

	copied := *record
	s.records[record.TaskID] = &copied
	return nil
}

// GetResult returns the terminal record for the task id, or
// store.ErrResultNotFound if the task has not been finalized.
func (s *MemoryResultStore) GetResult(ctx context.Context, taskID uuid.UUID) (*ResultRecord, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, taskID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[taskID]
	if !ok {
		return nil, store.ErrResultNotFound
	}

	copied := *record
	return &copied, nil
}

// Len returns the number of recorded results.
func (s *MemoryResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
