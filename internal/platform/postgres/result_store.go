package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/skovert/relay/internal/platform/logger"
	"github.com/skovert/relay/internal/store"
	"github.com/skovert/relay/internal/task"
)

// PostgresResultStore implements the task.ResultStore interface using
// PostgreSQL.
type PostgresResultStore struct {
	db store.DBTX
}

// Verify interface compliance at compile time.
var _ task.ResultStore = (*PostgresResultStore)(nil)

// NewPostgresResultStore creates a new PostgresResultStore.
func NewPostgresResultStore(db store.DBTX) *PostgresResultStore {
	return &PostgresResultStore{
		db: db,
	}
}

// WithTx returns a copy of the store bound to the given transaction.
func (s *PostgresResultStore) WithTx(tx *sql.Tx) *PostgresResultStore {
	return &PostgresResultStore{
		db: tx,
	}
}

// WriteResult persists a terminal record if none exists yet for the task id.
// The insert uses ON CONFLICT DO NOTHING on the primary key, so concurrent
// writers racing to finalize the same task cannot produce divergent records:
// exactly one insert lands and every later write is a silent no-op.
func (s *PostgresResultStore) WriteResult(ctx context.Context, record *task.ResultRecord) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO task_results (task_id, state, output, error_detail, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		record.TaskID,
		record.State,
		record.Output,
		record.ErrorDetail,
		record.CompletedAt.UTC(),
	)
	if err != nil {
		log.Error("failed to write result record",
			"task_id", record.TaskID,
			"state", record.State,
			"error", err)
		return store.NewStoreError("write_result", "failed to persist result record", MapError(err))
	}

	return nil
}

// GetResult returns the terminal record for the task id, or
// store.ErrResultNotFound if the task has not been finalized yet.
func (s *PostgresResultStore) GetResult(ctx context.Context, taskID uuid.UUID) (*task.ResultRecord, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT task_id, state, output, error_detail, completed_at
		FROM task_results
		WHERE task_id = $1
	`

	var record task.ResultRecord
	var output []byte
	var errorDetail sql.NullString
	var completedAt time.Time

	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&record.TaskID,
		&record.State,
		&output,
		&errorDetail,
		&completedAt,
	)
	if err != nil {
		mapped := MapError(err)
		if !store.IsNotFoundError(mapped) {
			log.Error("failed to get result record",
				"task_id", taskID,
				"error", err)
		}
		return nil, mapped
	}

	record.Output = output
	record.ErrorDetail = errorDetail.String
	record.CompletedAt = completedAt.UTC()

	return &record, nil
}
