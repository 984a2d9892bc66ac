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

// rollbackColumns is the full column list for rollback point queries.
const rollbackColumns = `id, type, project_id, data_source_ids, snapshots,
	status, captured_at, expires_at, metadata`

// RollbackStore persists rollback points in the core store. Snapshots
// reference version IDs inside the versioned stores; no record bytes are
// copied.
type RollbackStore struct {
	db *sql.DB
}

// NewRollbackStore creates a RollbackStore backed by the given database.
func NewRollbackStore(db *sql.DB) *RollbackStore {
	return &RollbackStore{db: db}
}

func scanRollbackPoint(row dataSourceScanner) (*domain.RollbackPoint, error) {
	var (
		p             domain.RollbackPoint
		dataSourceIDs string
		snapshots     string
		capturedAt    string
		expiresAt     sql.NullString
		metadata      sql.NullString
	)
	err := row.Scan(&p.ID, &p.Type, &p.ProjectID, &dataSourceIDs, &snapshots,
		&p.Status, &capturedAt, &expiresAt, &metadata)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(sql.NullString{String: dataSourceIDs, Valid: true}, &p.DataSourceIDs); err != nil {
		return nil, fmt.Errorf("decode data source ids: %w", err)
	}
	if err := unmarshalJSON(sql.NullString{String: snapshots, Valid: true}, &p.Snapshots); err != nil {
		return nil, fmt.Errorf("decode snapshots: %w", err)
	}
	if err := unmarshalJSON(metadata, &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if p.CapturedAt, err = parseTime(capturedAt); err != nil {
		return nil, err
	}
	if p.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateRollbackPoint inserts a new rollback point.
func (s *RollbackStore) CreateRollbackPoint(ctx context.Context, p *domain.RollbackPoint) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.RollbackActive
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = time.Now().UTC().Truncate(time.Microsecond)
	}

	dataSourceIDs, err := marshalJSON(nonNilStrings(p.DataSourceIDs))
	if err != nil {
		return err
	}
	snapshots, err := marshalJSON(p.Snapshots)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollback_points (id, type, project_id, data_source_ids, snapshots,
			status, captured_at, expires_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), p.ProjectID, dataSourceIDs.String, snapshots.String,
		string(p.Status), formatTime(p.CapturedAt), formatTimePtr(p.ExpiresAt), metadata)
	if err != nil {
		return fmt.Errorf("create rollback point: %w", err)
	}
	return nil
}

// GetRollbackPoint returns a rollback point by ID, or (nil, nil) when absent.
func (s *RollbackStore) GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rollbackColumns+` FROM rollback_points WHERE id = ?`, id)
	p, err := scanRollbackPoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rollback point: %w", err)
	}
	return p, nil
}

// ListRollbackPoints returns points filtered by project and/or type,
// newest first.
func (s *RollbackStore) ListRollbackPoints(ctx context.Context, projectID string, pointType string) ([]domain.RollbackPoint, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_points WHERE 1=1`
	args := []any{}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if pointType != "" {
		query += ` AND type = ?`
		args = append(args, pointType)
	}
	query += ` ORDER BY captured_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollback points: %w", err)
	}
	defer rows.Close()

	var result []domain.RollbackPoint
	for rows.Next() {
		p, err := scanRollbackPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollback point: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// ListActiveRollbackPoints returns every point still marked active. The
// reaper walks these during the expiry sweep.
func (s *RollbackStore) ListActiveRollbackPoints(ctx context.Context) ([]domain.RollbackPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rollbackColumns+` FROM rollback_points WHERE status = ? ORDER BY captured_at`,
		string(domain.RollbackActive))
	if err != nil {
		return nil, fmt.Errorf("list active rollback points: %w", err)
	}
	defer rows.Close()

	var result []domain.RollbackPoint
	for rows.Next() {
		p, err := scanRollbackPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollback point: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// UpdateRollbackStatus transitions a point's lifecycle status.
func (s *RollbackStore) UpdateRollbackStatus(ctx context.Context, id string, status domain.RollbackPointStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rollback_points SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update rollback status: %w", err)
	}
	return nil
}

// DeleteRollbackPoint removes a point. Idempotent.
func (s *RollbackStore) DeleteRollbackPoint(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rollback_points WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rollback point: %w", err)
	}
	return nil
}
