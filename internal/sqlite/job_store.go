package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loom-data/loom/engine/internal/domain"
)

// jobColumns is the full column list for job queries.
const jobColumns = `id, project_id, name, kind, target_id, cron_expr, timezone,
	trigger_events, enabled, webhook_enabled, webhook_events, max_retries,
	last_run_at, next_run_at, created_at, updated_at`

// JobStore persists scheduled jobs in the core store.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a JobStore backed by the given database.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func scanJob(row dataSourceScanner) (*domain.Job, error) {
	var (
		j                        domain.Job
		cronExpr, timezone       sql.NullString
		triggerEvents            string
		enabled, webhookEnabled  int
		webhookEvents            string
		lastRunAt, nextRunAt     sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(&j.ID, &j.ProjectID, &j.Name, &j.Kind, &j.TargetID,
		&cronExpr, &timezone, &triggerEvents, &enabled, &webhookEnabled,
		&webhookEvents, &j.MaxRetries, &lastRunAt, &nextRunAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if cronExpr.Valid && cronExpr.String != "" {
		j.Schedule = &domain.JobSchedule{
			Cron:     cronExpr.String,
			Timezone: nullableToString(timezone),
		}
	}
	j.Enabled = enabled != 0
	j.WebhookEnabled = webhookEnabled != 0
	if err := unmarshalJSON(sql.NullString{String: triggerEvents, Valid: true}, &j.TriggerEvents); err != nil {
		return nil, fmt.Errorf("decode trigger events: %w", err)
	}
	if err := unmarshalJSON(sql.NullString{String: webhookEvents, Valid: true}, &j.WebhookEvents); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	if j.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	if j.NextRunAt, err = parseTimePtr(nextRunAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns all jobs, optionally filtered by project.
func (s *JobStore) ListJobs(ctx context.Context, projectID string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, *j)
	}
	return result, rows.Err()
}

// ListEnabledJobs returns every enabled job. The scheduler calls this each
// tick.
func (s *JobStore) ListEnabledJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list enabled jobs: %w", err)
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, *j)
	}
	return result, rows.Err()
}

// GetJob returns a job by ID, or (nil, nil) when absent.
func (s *JobStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// CreateJob inserts a new job.
func (s *JobStore) CreateJob(ctx context.Context, j *domain.Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	j.CreatedAt = now
	j.UpdatedAt = now

	var cronExpr, timezone sql.NullString
	if j.Schedule != nil {
		cronExpr = textOrNull(j.Schedule.Cron)
		timezone = textOrNull(j.Schedule.Timezone)
	}
	triggerEvents, err := marshalJSON(nonNilStrings(j.TriggerEvents))
	if err != nil {
		return err
	}
	webhookEvents, err := marshalJSON(nonNilStrings(j.WebhookEvents))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, name, kind, target_id, cron_expr, timezone,
			trigger_events, enabled, webhook_enabled, webhook_events, max_retries,
			last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.Name, string(j.Kind), j.TargetID, cronExpr, timezone,
		triggerEvents.String, boolToInt(j.Enabled), boolToInt(j.WebhookEnabled),
		webhookEvents.String, j.MaxRetries,
		formatTimePtr(j.LastRunAt), formatTimePtr(j.NextRunAt),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", mapConflict(err))
	}
	return nil
}

// UpdateJob overwrites the mutable fields of a job.
func (s *JobStore) UpdateJob(ctx context.Context, j *domain.Job) error {
	j.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	var cronExpr, timezone sql.NullString
	if j.Schedule != nil {
		cronExpr = textOrNull(j.Schedule.Cron)
		timezone = textOrNull(j.Schedule.Timezone)
	}
	triggerEvents, err := marshalJSON(nonNilStrings(j.TriggerEvents))
	if err != nil {
		return err
	}
	webhookEvents, err := marshalJSON(nonNilStrings(j.WebhookEvents))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET name = ?, kind = ?, target_id = ?, cron_expr = ?, timezone = ?,
			trigger_events = ?, enabled = ?, webhook_enabled = ?, webhook_events = ?,
			max_retries = ?, updated_at = ?
		 WHERE id = ?`,
		j.Name, string(j.Kind), j.TargetID, cronExpr, timezone,
		triggerEvents.String, boolToInt(j.Enabled), boolToInt(j.WebhookEnabled),
		webhookEvents.String, j.MaxRetries, formatTime(j.UpdatedAt), j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", mapConflict(err))
	}
	return nil
}

// SetJobEnabled flips a job's enabled flag. Disabling also clears
// next_run_at so a re-enable recomputes the schedule from scratch.
func (s *JobStore) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE jobs SET enabled = ?, updated_at = ? WHERE id = ?`
	if !enabled {
		query = `UPDATE jobs SET enabled = ?, next_run_at = NULL, updated_at = ? WHERE id = ?`
	}
	if _, err := s.db.ExecContext(ctx, query, boolToInt(enabled), formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("set job enabled: %w", err)
	}
	return nil
}

// UpdateJobRun records schedule bookkeeping after a fire (or a skipped
// fire): the last run time and the next due time.
func (s *JobStore) UpdateJobRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(lastRunAt), formatTime(nextRunAt), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update job run: %w", err)
	}
	return nil
}

// DeleteJob removes a job; its executions cascade. Idempotent.
func (s *JobStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// nonNilStrings normalizes a nil slice to an empty one so JSON columns
// store "[]" rather than "null".
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
