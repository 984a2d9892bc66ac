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

// LogImportStart records the beginning of an import attempt and returns
// the log row ID.
func (vs *VersionedStore) LogImportStart(ctx context.Context, message string) (string, error) {
	id := uuid.New().String()
	_, err := vs.db.ExecContext(ctx,
		`INSERT INTO import_logs (id, status, message, records_processed, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		id, string(domain.ImportRunning), textOrNull(message), formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("log import start: %w", err)
	}
	return id, nil
}

// LogImportFinish completes an import log row with the outcome. versionID
// is empty for failed imports and no-op delta syncs.
func (vs *VersionedStore) LogImportFinish(ctx context.Context, logID string, status domain.ImportLogStatus, versionID, errDetails string, recordsProcessed int, duration time.Duration) error {
	_, err := vs.db.ExecContext(ctx,
		`UPDATE import_logs
		 SET status = ?, version_id = ?, error_details = ?, records_processed = ?,
		     duration_ms = ?, completed_at = ?
		 WHERE id = ?`,
		string(status), textOrNull(versionID), textOrNull(errDetails),
		recordsProcessed, duration.Milliseconds(), formatTime(time.Now()), logID)
	if err != nil {
		return fmt.Errorf("log import finish: %w", err)
	}
	return nil
}

// ImportLogs returns import attempts, newest first.
func (vs *VersionedStore) ImportLogs(ctx context.Context, limit int) ([]domain.ImportLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := vs.db.QueryContext(ctx,
		`SELECT id, version_id, status, message, error_details, duration_ms,
		        records_processed, created_at, completed_at
		 FROM import_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list import logs: %w", err)
	}
	defer rows.Close()

	var result []domain.ImportLog
	for rows.Next() {
		var (
			l           domain.ImportLog
			versionID   sql.NullString
			message     sql.NullString
			errDetails  sql.NullString
			durationMs  sql.NullInt64
			createdAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&l.ID, &versionID, &l.Status, &message, &errDetails,
			&durationMs, &l.RecordsProcessed, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan import log: %w", err)
		}
		l.VersionID = nullableToPtr(versionID)
		l.Message = nullableToString(message)
		l.ErrorDetails = nullableToPtr(errDetails)
		if durationMs.Valid {
			v := durationMs.Int64
			l.DurationMs = &v
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if l.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// RecordQualityMetrics stores rule evaluations for a version.
func (vs *VersionedStore) RecordQualityMetrics(ctx context.Context, metrics []domain.QualityMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record metrics: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for i := range metrics {
		m := &metrics[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		var threshold sql.NullFloat64
		if m.Threshold != nil {
			threshold = sql.NullFloat64{Float64: *m.Threshold, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quality_metrics (id, version_id, metric_name, metric_value,
				threshold, status, details, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.VersionID, m.MetricName, m.MetricValue, threshold,
			string(m.Status), textPtrToNullable(m.Details), now)
		if err != nil {
			return fmt.Errorf("insert quality metric: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record metrics: %w", err)
	}
	return nil
}

// QualityMetrics returns rule evaluations for a version, or for all
// versions when versionID is empty (newest first).
func (vs *VersionedStore) QualityMetrics(ctx context.Context, versionID string) ([]domain.QualityMetric, error) {
	query := `SELECT id, version_id, metric_name, metric_value, threshold, status, details, created_at
		 FROM quality_metrics`
	args := []any{}
	if versionID != "" {
		query += ` WHERE version_id = ?`
		args = append(args, versionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := vs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quality metrics: %w", err)
	}
	defer rows.Close()

	var result []domain.QualityMetric
	for rows.Next() {
		var (
			m         domain.QualityMetric
			threshold sql.NullFloat64
			details   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.VersionID, &m.MetricName, &m.MetricValue,
			&threshold, &m.Status, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan quality metric: %w", err)
		}
		if threshold.Valid {
			v := threshold.Float64
			m.Threshold = &v
		}
		m.Details = nullableToPtr(details)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// GetRetention returns the configured retention policy, falling back to
// the default (keep the last 10 versions, no auto cleanup) when none is
// set.
func (vs *VersionedStore) GetRetention(ctx context.Context) (domain.RetentionPolicy, error) {
	var (
		strategy    string
		value       int
		autoCleanup int
	)
	err := vs.db.QueryRowContext(ctx,
		`SELECT strategy, value, auto_cleanup FROM retention_policy WHERE id = 1`).
		Scan(&strategy, &value, &autoCleanup)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultRetentionPolicy(), nil
	}
	if err != nil {
		return domain.RetentionPolicy{}, fmt.Errorf("get retention policy: %w", err)
	}
	return domain.RetentionPolicy{
		Strategy:    domain.RetentionStrategy(strategy),
		Value:       value,
		AutoCleanup: autoCleanup != 0,
	}, nil
}

// SetRetention upserts the retention policy.
func (vs *VersionedStore) SetRetention(ctx context.Context, p domain.RetentionPolicy) error {
	_, err := vs.db.ExecContext(ctx,
		`INSERT INTO retention_policy (id, strategy, value, auto_cleanup) VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET strategy = excluded.strategy,
			value = excluded.value, auto_cleanup = excluded.auto_cleanup`,
		string(p.Strategy), p.Value, boolToInt(p.AutoCleanup))
	if err != nil {
		return fmt.Errorf("set retention policy: %w", err)
	}
	return nil
}

// ApplyRetention prunes versions per the configured policy and returns
// how many were deleted. The latest version survives regardless of
// policy; quality metrics for pruned versions go with them.
func (vs *VersionedStore) ApplyRetention(ctx context.Context) (int64, error) {
	policy, err := vs.GetRetention(ctx)
	if err != nil {
		return 0, err
	}
	return vs.applyPolicy(ctx, policy)
}

func (vs *VersionedStore) applyPolicy(ctx context.Context, policy domain.RetentionPolicy) (int64, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	var condition string
	var args []any
	switch policy.Strategy {
	case domain.RetentionKeepAll:
		return 0, nil
	case domain.RetentionKeepLast:
		keep := policy.Value
		if keep < 1 {
			// Unset count falls back to the default policy's, not to 1:
			// a zero-value policy must never shred history down to the
			// latest version.
			keep = domain.DefaultRetentionPolicy().Value
		}
		condition = `version NOT IN (SELECT version FROM data_versions ORDER BY version DESC LIMIT ?)`
		args = []any{keep}
	case domain.RetentionKeepDays:
		cutoff := time.Now().AddDate(0, 0, -policy.Value)
		condition = `created_at < ?
			AND version < (SELECT MAX(version) FROM data_versions)`
		args = []any{formatTime(cutoff)}
	default:
		return 0, fmt.Errorf("retention: unknown strategy %q", policy.Strategy)
	}

	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM quality_metrics WHERE version_id IN
			(SELECT id FROM data_versions WHERE `+condition+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("prune quality metrics: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM data_versions WHERE `+condition, args...)
	if err != nil {
		return 0, fmt.Errorf("prune versions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention: %w", err)
	}
	return deleted, nil
}
