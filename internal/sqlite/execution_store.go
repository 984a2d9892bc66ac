package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loom-data/loom/engine/internal/domain"
)

// executionColumns is the full column list for execution queries.
const executionColumns = `id, job_id, kind, target_id, status, "trigger", error,
	stats, attempts, started_at, completed_at, created_at`

// ExecutionStore persists job and pipeline executions in the core store.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates an ExecutionStore backed by the given database.
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func scanExecution(row dataSourceScanner) (*domain.Execution, error) {
	var (
		e                      domain.Execution
		jobID, errText, stats  sql.NullString
		startedAt, completedAt sql.NullString
		createdAt              string
	)
	err := row.Scan(&e.ID, &jobID, &e.Kind, &e.TargetID, &e.Status, &e.Trigger,
		&errText, &stats, &e.Attempts, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	e.JobID = nullableToPtr(jobID)
	e.Error = nullableToPtr(errText)
	if stats.Valid {
		e.Stats = json.RawMessage(stats.String)
	}
	if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateExecution inserts a queued execution row.
func (s *ExecutionStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionQueued
	}
	if e.Trigger == "" {
		e.Trigger = "manual"
	}
	e.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	var stats sql.NullString
	if len(e.Stats) > 0 {
		stats = sql.NullString{String: string(e.Stats), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, job_id, kind, target_id, status, "trigger", error,
			stats, attempts, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, textPtrToNullable(e.JobID), string(e.Kind), e.TargetID, string(e.Status),
		e.Trigger, textPtrToNullable(e.Error), stats, e.Attempts,
		formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution returns an execution by ID, or (nil, nil) when absent.
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ExecutionFilter narrows execution list queries.
type ExecutionFilter struct {
	JobID    string
	TargetID string
	Status   string
	Limit    int
	Offset   int
}

// ListExecutions returns executions matching the filter, newest first.
func (s *ExecutionStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []any{}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var result []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// MarkRunning transitions an execution to running, recording the start
// time and incrementing the attempt counter.
func (s *ExecutionStore) MarkRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, started_at = ?, attempts = attempts + 1
		 WHERE id = ?`,
		string(domain.ExecutionRunning), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	return nil
}

// MarkFinished records a terminal (or requeued) status with completion
// metadata. Stats and error may be empty.
func (s *ExecutionStore) MarkFinished(ctx context.Context, id string, status domain.ExecutionStatus, errText string, stats json.RawMessage) error {
	var completedAt sql.NullString
	if status.Terminal() {
		completedAt = sql.NullString{String: formatTime(time.Now()), Valid: true}
	}
	var statsCol sql.NullString
	if len(stats) > 0 {
		statsCol = sql.NullString{String: string(stats), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, error = ?, stats = COALESCE(?, stats), completed_at = ?
		 WHERE id = ?`,
		string(status), textOrNull(errText), statsCol, completedAt, id)
	if err != nil {
		return fmt.Errorf("mark execution finished: %w", err)
	}
	return nil
}

// CountActive returns how many executions for the given job are queued or
// running. The scheduler uses this to detect overlapping fires.
func (s *ExecutionStore) CountActive(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE job_id = ? AND status IN (?, ?)`,
		jobID, string(domain.ExecutionQueued), string(domain.ExecutionRunning)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return count, nil
}

// PurgeOlderThan deletes terminal executions completed before the cutoff.
// Returns the number of rows removed.
func (s *ExecutionStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM executions
		 WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(domain.ExecutionCompleted), string(domain.ExecutionPartial),
		string(domain.ExecutionFailed), string(domain.ExecutionCancelled),
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	return res.RowsAffected()
}
