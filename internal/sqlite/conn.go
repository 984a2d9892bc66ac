// Package sqlite implements the embedded relational stores for loomd:
// the core store (projects, data sources, pipelines, jobs, executions,
// rollback points, webhooks, settings) and the per-data-source versioned
// stores. The driver is ncruces/go-sqlite3 (pure Go, wazero-backed), so
// loomd builds without CGO.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// busyTimeoutMs is how long a connection waits on a locked database before
// returning SQLITE_BUSY. Writes are serialized by store-level mutexes, so
// this only matters for checkpointing and external readers.
const busyTimeoutMs = 5000

// Open opens (creating if needed) an embedded store file with WAL
// journaling, foreign keys, and a busy timeout. The parent directory is
// created when missing.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_txlock=immediate" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(" + fmt.Sprint(busyTimeoutMs) + ")" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store %s: %w", path, err)
	}
	return db, nil
}

// HealthChecker pings a store database. Used by the readiness endpoint.
type HealthChecker struct {
	db *sql.DB
}

// NewHealthChecker creates a HealthChecker for the given database.
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{db: db}
}

// HealthCheck verifies the store responds to a trivial query.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("core store ping: %w", err)
	}
	return nil
}
