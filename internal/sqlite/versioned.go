package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loom-data/loom/engine/internal/diff"
	"github.com/loom-data/loom/engine/internal/domain"
)

// versionedSchema is applied on every open; CREATE IF NOT EXISTS makes it
// idempotent. One such store exists per data source.
const versionedSchema = `
CREATE TABLE IF NOT EXISTS data_versions (
    id                  TEXT PRIMARY KEY,
    version             INTEGER NOT NULL UNIQUE,
    data                BLOB NOT NULL,
    schema              BLOB,
    metadata            BLOB,
    record_count        INTEGER NOT NULL,
    previous_version_id TEXT,
    diff_data           BLOB,
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_versions_version ON data_versions(version);
CREATE INDEX IF NOT EXISTS idx_data_versions_created ON data_versions(created_at);

CREATE TABLE IF NOT EXISTS schema_versions (
    id          TEXT PRIMARY KEY,
    version     INTEGER NOT NULL,
    schema      BLOB NOT NULL,
    description TEXT,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS import_logs (
    id                TEXT PRIMARY KEY,
    version_id        TEXT,
    status            TEXT NOT NULL,
    message           TEXT,
    error_details     TEXT,
    duration_ms       INTEGER,
    records_processed INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL,
    completed_at      TEXT
);

CREATE TABLE IF NOT EXISTS quality_metrics (
    id           TEXT PRIMARY KEY,
    version_id   TEXT NOT NULL,
    metric_name  TEXT NOT NULL,
    metric_value REAL NOT NULL,
    threshold    REAL,
    status       TEXT NOT NULL,
    details      TEXT,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quality_metrics_version ON quality_metrics(version_id);

CREATE TABLE IF NOT EXISTS delta_hashes (
    record_key TEXT PRIMARY KEY,
    row_hash   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS retention_policy (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    strategy     TEXT NOT NULL,
    value        INTEGER NOT NULL DEFAULT 0,
    auto_cleanup INTEGER NOT NULL DEFAULT 0
);
`

// VersionedStore is the append-only version chain for one data source.
// Single writer (guarded by mu), many readers. Version numbers are
// strictly monotone and gap-free from 1.
type VersionedStore struct {
	db         *sql.DB
	path       string
	primaryKey string

	mu sync.Mutex // serializes AppendVersion and retention
}

// OpenVersioned opens (creating if needed) the versioned store at path.
// primaryKey is the configured record-identity field; empty means whole-
// record identity.
func OpenVersioned(path, primaryKey string) (*VersionedStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(versionedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply versioned schema: %w", err)
	}
	return &VersionedStore{db: db, path: path, primaryKey: primaryKey}, nil
}

// Path returns the store's file path.
func (vs *VersionedStore) Path() string {
	return vs.path
}

// PrimaryKey returns the configured record-identity field.
func (vs *VersionedStore) PrimaryKey() string {
	return vs.primaryKey
}

// Close closes the underlying database.
func (vs *VersionedStore) Close() error {
	return vs.db.Close()
}

// HealthCheck verifies the store file responds to a trivial query.
func (vs *VersionedStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := vs.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("versioned store ping %s: %w", vs.path, err)
	}
	return nil
}

// AppendVersion writes a new version atomically: version number, diff
// against the previous version, record blob, and a schema-history row when
// the schema changed. Either the whole version becomes visible or nothing
// does.
func (vs *VersionedStore) AppendVersion(ctx context.Context, records []domain.Record, schema domain.Schema, metadata map[string]any) (*domain.DataVersion, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	latest, err := vs.Latest(ctx)
	if err != nil {
		return nil, err
	}

	v := &domain.DataVersion{
		ID:          uuid.New().String(),
		Version:     1,
		RecordCount: len(records),
		Records:     records,
		Schema:      schema,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	if latest != nil {
		v.Version = latest.Version + 1
		v.PreviousVersionID = &latest.ID
		d, err := diff.Compute(latest.Records, records, vs.primaryKey)
		if err != nil {
			return nil, fmt.Errorf("compute diff: %w", err)
		}
		v.Diff = d
	}

	dataBlob, err := diff.Canonical(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	schemaBlob, err := marshalJSON(schema)
	if err != nil {
		return nil, err
	}
	metadataBlob, err := marshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	var diffBlob sql.NullString
	if v.Diff != nil {
		if diffBlob, err = marshalJSON(v.Diff); err != nil {
			return nil, err
		}
	}

	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO data_versions (id, version, data, schema, metadata, record_count,
			previous_version_id, diff_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Version, dataBlob, schemaBlob, metadataBlob, v.RecordCount,
		textPtrToNullable(v.PreviousVersionID), diffBlob, formatTime(v.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	// Schema history: record a row only when the schema deeply differs
	// from the last recorded one.
	if len(schema) > 0 {
		changed, err := vs.schemaChanged(ctx, tx, schema)
		if err != nil {
			return nil, err
		}
		if changed {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO schema_versions (id, version, schema, description, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				uuid.New().String(), v.Version, schemaBlob.String,
				fmt.Sprintf("schema at version %d", v.Version), formatTime(v.CreatedAt))
			if err != nil {
				return nil, fmt.Errorf("insert schema version: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return v, nil
}

// schemaChanged compares the incoming schema to the last schema_versions
// row by deep equality.
func (vs *VersionedStore) schemaChanged(ctx context.Context, tx *sql.Tx, schema domain.Schema) (bool, error) {
	var lastBlob string
	err := tx.QueryRowContext(ctx,
		`SELECT schema FROM schema_versions ORDER BY version DESC LIMIT 1`).Scan(&lastBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last schema: %w", err)
	}
	var last domain.Schema
	if err := json.Unmarshal([]byte(lastBlob), &last); err != nil {
		return false, fmt.Errorf("decode last schema: %w", err)
	}
	return !schema.Equal(last), nil
}

// versionColumns is the full column list for version queries.
const versionColumns = `id, version, data, schema, metadata, record_count,
	previous_version_id, diff_data, created_at`

func scanVersion(row dataSourceScanner) (*domain.DataVersion, error) {
	var (
		v          domain.DataVersion
		data       string
		schemaB    sql.NullString
		metadataB  sql.NullString
		prevID     sql.NullString
		diffB      sql.NullString
		createdAt  string
	)
	err := row.Scan(&v.ID, &v.Version, &data, &schemaB, &metadataB, &v.RecordCount,
		&prevID, &diffB, &createdAt)
	if err != nil {
		return nil, err
	}

	if v.Records, err = decodeRecords(data); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(schemaB, &v.Schema); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadataB, &v.Metadata); err != nil {
		return nil, err
	}
	if diffB.Valid {
		var d domain.RecordDiff
		if err := unmarshalJSON(diffB, &d); err != nil {
			return nil, err
		}
		v.Diff = &d
	}
	v.PreviousVersionID = nullableToPtr(prevID)
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &v, nil
}

// decodeRecords parses a stored data blob. UseNumber keeps integral
// values in their exact text form for canonical re-encoding.
func decodeRecords(data string) ([]domain.Record, error) {
	var records []domain.Record
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode record blob: %w", err)
	}
	return records, nil
}

// Latest returns the highest-numbered version, or (nil, nil) for an empty
// store.
func (vs *VersionedStore) Latest(ctx context.Context) (*domain.DataVersion, error) {
	row := vs.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM data_versions ORDER BY version DESC LIMIT 1`)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest version: %w", err)
	}
	return v, nil
}

// GetVersion returns a version by number, or (nil, nil) when absent.
func (vs *VersionedStore) GetVersion(ctx context.Context, n int64) (*domain.DataVersion, error) {
	row := vs.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM data_versions WHERE version = ?`, n)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get version %d: %w", n, err)
	}
	return v, nil
}

// GetVersionByID returns a version by its ID, or (nil, nil) when absent.
func (vs *VersionedStore) GetVersionByID(ctx context.Context, id string) (*domain.DataVersion, error) {
	row := vs.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM data_versions WHERE id = ?`, id)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get version by id: %w", err)
	}
	return v, nil
}

// HasVersionID reports whether a version with the given ID still exists.
// Rollback dry-runs and the expiry sweep use this without loading records.
func (vs *VersionedStore) HasVersionID(ctx context.Context, id string) (bool, error) {
	var one int
	err := vs.db.QueryRowContext(ctx,
		`SELECT 1 FROM data_versions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check version id: %w", err)
	}
	return true, nil
}

// ListVersions returns versions newest first, without record blobs
// (RecordCount and Diff are populated; Records is nil).
func (vs *VersionedStore) ListVersions(ctx context.Context, limit, offset int) ([]domain.DataVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := vs.db.QueryContext(ctx,
		`SELECT id, version, schema, metadata, record_count, previous_version_id, diff_data, created_at
		 FROM data_versions ORDER BY version DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var result []domain.DataVersion
	for rows.Next() {
		var (
			v         domain.DataVersion
			schemaB   sql.NullString
			metadataB sql.NullString
			prevID    sql.NullString
			diffB     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&v.ID, &v.Version, &schemaB, &metadataB, &v.RecordCount,
			&prevID, &diffB, &createdAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := unmarshalJSON(schemaB, &v.Schema); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metadataB, &v.Metadata); err != nil {
			return nil, err
		}
		if diffB.Valid {
			var d domain.RecordDiff
			if err := unmarshalJSON(diffB, &d); err != nil {
				return nil, err
			}
			v.Diff = &d
		}
		v.PreviousVersionID = nullableToPtr(prevID)
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// CountVersions returns the total number of stored versions.
func (vs *VersionedStore) CountVersions(ctx context.Context) (int64, error) {
	var count int64
	if err := vs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_versions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return count, nil
}

// GetDiff returns the change set between two versions. Consecutive
// versions return the stored diff; wider spans recompute from the two
// record sets.
func (vs *VersionedStore) GetDiff(ctx context.Context, from, to int64) (*domain.RecordDiff, error) {
	if from >= to {
		return nil, fmt.Errorf("diff range: from %d must be below to %d", from, to)
	}

	toVersion, err := vs.GetVersion(ctx, to)
	if err != nil {
		return nil, err
	}
	if toVersion == nil {
		return nil, fmt.Errorf("diff: version %d not found", to)
	}

	if to == from+1 && toVersion.Diff != nil {
		return toVersion.Diff, nil
	}

	fromVersion, err := vs.GetVersion(ctx, from)
	if err != nil {
		return nil, err
	}
	if fromVersion == nil {
		return nil, fmt.Errorf("diff: version %d not found", from)
	}

	d, err := diff.Compute(fromVersion.Records, toVersion.Records, vs.primaryKey)
	if err != nil {
		return nil, fmt.Errorf("recompute diff %d..%d: %w", from, to, err)
	}
	return d, nil
}

// Stats summarizes the store: version counts, latest/oldest numbers, file
// size, and the last import time.
func (vs *VersionedStore) Stats(ctx context.Context) (*domain.VersionStats, error) {
	stats := &domain.VersionStats{}

	var latestCount sql.NullInt64
	err := vs.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(MAX(version), 0),
		       COALESCE(MIN(version), 0),
		       (SELECT record_count FROM data_versions ORDER BY version DESC LIMIT 1)
		FROM data_versions`).
		Scan(&stats.TotalVersions, &stats.LatestVersion, &stats.OldestVersion, &latestCount)
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	if latestCount.Valid {
		stats.TotalRecords = int(latestCount.Int64)
	}

	var lastImport sql.NullString
	err = vs.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM data_versions`).Scan(&lastImport)
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	if stats.LastImportAt, err = parseTimePtr(lastImport); err != nil {
		return nil, err
	}

	if fi, err := os.Stat(vs.path); err == nil {
		stats.DataSizeBytes = fi.Size()
	}
	return stats, nil
}

// SchemaHistory returns all recorded schema versions, newest first.
func (vs *VersionedStore) SchemaHistory(ctx context.Context) ([]domain.SchemaVersion, error) {
	rows, err := vs.db.QueryContext(ctx,
		`SELECT id, version, schema, description, created_at
		 FROM schema_versions ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("schema history: %w", err)
	}
	defer rows.Close()

	var result []domain.SchemaVersion
	for rows.Next() {
		var (
			sv          domain.SchemaVersion
			schemaB     string
			description sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&sv.ID, &sv.Version, &schemaB, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		if err := unmarshalJSON(sql.NullString{String: schemaB, Valid: true}, &sv.Schema); err != nil {
			return nil, err
		}
		sv.Description = nullableToString(description)
		if sv.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, sv)
	}
	return result, rows.Err()
}

// DeltaHashes returns the persisted per-key row-hash map used by
// hash-mode delta sync.
func (vs *VersionedStore) DeltaHashes(ctx context.Context) (map[string]string, error) {
	rows, err := vs.db.QueryContext(ctx, `SELECT record_key, row_hash FROM delta_hashes`)
	if err != nil {
		return nil, fmt.Errorf("load delta hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, fmt.Errorf("scan delta hash: %w", err)
		}
		hashes[key] = hash
	}
	return hashes, rows.Err()
}

// ReplaceDeltaHashes atomically replaces the stored hash map with the
// given one.
func (vs *VersionedStore) ReplaceDeltaHashes(ctx context.Context, hashes map[string]string) error {
	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace hashes: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM delta_hashes`); err != nil {
		return fmt.Errorf("clear delta hashes: %w", err)
	}
	for key, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delta_hashes (record_key, row_hash) VALUES (?, ?)`, key, hash); err != nil {
			return fmt.Errorf("insert delta hash: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace hashes: %w", err)
	}
	return nil
}
