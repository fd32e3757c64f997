package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResultRecord is the durable terminal outcome of a task. It is write-once:
// the first terminal record persisted for a task id wins, and later writes
// for the same id are no-ops (idempotent finalization under broker
// redelivery).
type ResultRecord struct {
	TaskID      uuid.UUID `json:"task_id"`
	State       State     `json:"state"`
	Output      []byte    `json:"output,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ResultStore defines the interface for persisting terminal task outcomes.
// It is the single source of truth for terminal state.
type ResultStore interface {
	// WriteResult persists a terminal record if none exists yet for the task
	// id (write-if-absent). Writing when a terminal record already exists is
	// a no-op, not an error, so that concurrent redelivery of the same task
	// can never produce two divergent terminal records.
	WriteResult(ctx context.Context, record *ResultRecord) error

	// GetResult returns the terminal record for the task id, or
	// store.ErrResultNotFound if the task has not been finalized.
	GetResult(ctx context.Context, taskID uuid.UUID) (*ResultRecord, error)
}

// NewSucceededResult builds the terminal record for a successful execution.
func NewSucceededResult(taskID uuid.UUID, output []byte) *ResultRecord {
	return &ResultRecord{
		TaskID:      taskID,
		State:       StateSucceeded,
		Output:      output,
		CompletedAt: time.Now().UTC(),
	}
}

// NewFailedResult builds the terminal record for a dead-lettered task.
func NewFailedResult(taskID uuid.UUID, cause error) *ResultRecord {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &ResultRecord{
		TaskID:      taskID,
		State:       StateFailedTerminal,
		ErrorDetail: detail,
		CompletedAt: time.Now().UTC(),
	}
}
