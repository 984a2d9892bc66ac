package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/rs/xid"
)

// dataSourceColumns is the full column list for data source queries.
const dataSourceColumns = `id, project_id, name, provider_type, config, enabled,
	sync_interval, last_sync_at, last_sync_value, status, created_at, updated_at`

// DataSourceStore persists data source configs in the core store. The
// record data itself lives in each source's versioned store file.
type DataSourceStore struct {
	db *sql.DB
}

// NewDataSourceStore creates a DataSourceStore backed by the given database.
func NewDataSourceStore(db *sql.DB) *DataSourceStore {
	return &DataSourceStore{db: db}
}

// NewDataSourceID allocates a data source ID: "ds_" followed by an xid
// (timestamp-prefixed, sortable, random suffix).
func NewDataSourceID() string {
	return "ds_" + xid.New().String()
}

type dataSourceScanner interface {
	Scan(dest ...any) error
}

func scanDataSource(row dataSourceScanner) (*domain.DataSource, error) {
	var (
		ds            domain.DataSource
		config        string
		enabled       int
		syncInterval  sql.NullInt64
		lastSyncAt    sql.NullString
		lastSyncValue sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&ds.ID, &ds.ProjectID, &ds.Name, &ds.Provider, &config, &enabled,
		&syncInterval, &lastSyncAt, &lastSyncValue, &ds.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	ds.Config = json.RawMessage(config)
	ds.Enabled = enabled != 0
	ds.SyncInterval = nullableToIntPtr(syncInterval)
	ds.LastSyncValue = nullableToPtr(lastSyncValue)
	if ds.LastSyncAt, err = parseTimePtr(lastSyncAt); err != nil {
		return nil, err
	}
	if ds.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ds.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListDataSources returns a project's data sources ordered by creation time.
func (s *DataSourceStore) ListDataSources(ctx context.Context, projectID string) ([]domain.DataSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources WHERE project_id = ? ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer rows.Close()

	var result []domain.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		result = append(result, *ds)
	}
	return result, rows.Err()
}

// ListAllDataSources returns every data source across projects. Used by
// the reaper's orphan sweep and auto-retention pass.
func (s *DataSourceStore) ListAllDataSources(ctx context.Context) ([]domain.DataSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all data sources: %w", err)
	}
	defer rows.Close()

	var result []domain.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		result = append(result, *ds)
	}
	return result, rows.Err()
}

// GetDataSource returns a data source by ID, or (nil, nil) when absent.
func (s *DataSourceStore) GetDataSource(ctx context.Context, id string) (*domain.DataSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources WHERE id = ?`, id)
	ds, err := scanDataSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get data source: %w", err)
	}
	return ds, nil
}

// CreateDataSource inserts a new data source config. The caller is
// responsible for creating the versioned store file afterwards and rolling
// this row back on failure.
func (s *DataSourceStore) CreateDataSource(ctx context.Context, ds *domain.DataSource) error {
	if ds.ID == "" {
		ds.ID = NewDataSourceID()
	}
	if ds.Status == "" {
		ds.Status = domain.DataSourceActive
	}
	if len(ds.Config) == 0 {
		ds.Config = json.RawMessage("{}")
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	ds.CreatedAt = now
	ds.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_sources (id, project_id, name, provider_type, config, enabled,
			sync_interval, last_sync_at, last_sync_value, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.ProjectID, ds.Name, string(ds.Provider), string(ds.Config), boolToInt(ds.Enabled),
		intPtrToNullable(ds.SyncInterval), formatTimePtr(ds.LastSyncAt),
		textPtrToNullable(ds.LastSyncValue), string(ds.Status),
		formatTime(ds.CreatedAt), formatTime(ds.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create data source: %w", mapConflict(err))
	}
	return nil
}

// UpdateDataSource overwrites the mutable fields of a data source.
func (s *DataSourceStore) UpdateDataSource(ctx context.Context, ds *domain.DataSource) error {
	ds.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	_, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET name = ?, config = ?, enabled = ?, sync_interval = ?,
			status = ?, updated_at = ?
		 WHERE id = ?`,
		ds.Name, string(ds.Config), boolToInt(ds.Enabled), intPtrToNullable(ds.SyncInterval),
		string(ds.Status), formatTime(ds.UpdatedAt), ds.ID)
	if err != nil {
		return fmt.Errorf("update data source: %w", mapConflict(err))
	}
	return nil
}

// UpdateSyncState records the last successful sync time and delta
// watermark after an ingestion.
func (s *DataSourceStore) UpdateSyncState(ctx context.Context, id string, syncedAt time.Time, lastSyncValue *string, status domain.DataSourceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET last_sync_at = ?, last_sync_value = COALESCE(?, last_sync_value),
			status = ?, updated_at = ?
		 WHERE id = ?`,
		formatTime(syncedAt), textPtrToNullable(lastSyncValue), string(status),
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return nil
}

// DeleteDataSource removes the config row. The caller purges the store
// file via the router first.
func (s *DataSourceStore) DeleteDataSource(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM data_sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete data source: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
