// Package query runs ad-hoc read-only SQL over a data source version.
// The record set is materialized into an in-memory SQLite table named
// "records"; the user's SELECT runs against it with the connection
// switched to query-only mode, so mutation is rejected by the engine
// itself, not just by keyword filtering.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// forbidden rejects obviously mutating statements before execution; the
// query_only pragma is the real guard.
var forbidden = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace|attach|detach|pragma|vacuum|reindex)\b`)

// SourceStore resolves the queried data source.
type SourceStore interface {
	GetDataSource(ctx context.Context, id string) (*domain.DataSource, error)
}

// StoreOpener opens the data source's versioned store.
type StoreOpener interface {
	Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error)
}

// Result is the outcome of one query.
type Result struct {
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	RowCount   int              `json:"row_count"`
	Truncated  bool             `json:"truncated"`
	DurationMs int64            `json:"duration_ms"`
}

// Engine executes read-only queries.
type Engine struct {
	sources SourceStore
	stores  StoreOpener
	logger  *slog.Logger
}

// NewEngine creates a query engine.
func NewEngine(sources SourceStore, stores StoreOpener, logger *slog.Logger) *Engine {
	return &Engine{sources: sources, stores: stores, logger: logger}
}

// Query runs a SELECT against the latest version of a data source.
// Limit is clamped to [1, 1000]; 0 means the default of 100.
func (e *Engine) Query(ctx context.Context, dsID, sqlText string, limit int) (*Result, error) {
	if err := validate(sqlText); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	ds, err := e.sources.GetDataSource(ctx, dsID)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, fmt.Errorf("query: data source %q not found", dsID)
	}
	vs, err := e.stores.Open(ctx, ds)
	if err != nil {
		return nil, err
	}
	latest, err := vs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	var records []domain.Record
	if latest != nil {
		records = latest.Records
	}

	start := time.Now()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open scratch database: %w", err)
	}
	defer db.Close()
	// The scratch database must stay on one connection; a second
	// connection would see an empty :memory: database.
	db.SetMaxOpenConns(1)

	columns := sortedFields(ingest.InferSchema(records))
	if err := materialize(ctx, db, columns, records); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("lock scratch database: %w", err)
	}

	result, err := runSelect(ctx, db, sqlText, limit)
	if err != nil {
		return nil, err
	}
	result.DurationMs = time.Since(start).Milliseconds()

	e.logger.DebugContext(ctx, "query executed",
		slog.String("data_source_id", dsID),
		slog.Int("rows", result.RowCount),
		slog.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// validate rejects anything but a single SELECT (or WITH … SELECT).
func validate(sqlText string) error {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sqlText), ";"))
	if trimmed == "" {
		return fault.New(fault.CodeMissingRequiredField, "query: sql is required")
	}
	if strings.Contains(trimmed, ";") {
		return fault.New(fault.CodeUnsupportedFeature, "query: multiple statements are not allowed")
	}
	head := strings.ToLower(firstWord(trimmed))
	if head != "select" && head != "with" {
		return fault.Newf(fault.CodeUnsupportedFeature, "query: only SELECT statements are allowed, got %q", firstWord(trimmed))
	}
	if match := forbidden.FindString(trimmed); match != "" {
		return fault.Newf(fault.CodeUnsupportedFeature, "query: statement contains forbidden keyword %q", match)
	}
	return nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func sortedFields(schema domain.Schema) []string {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// materialize creates the records table and loads every row.
func materialize(ctx context.Context, db *sql.DB, columns []string, records []domain.Record) error {
	if len(columns) == 0 {
		// Even an empty source gets a table so "SELECT count(*)" works.
		_, err := db.ExecContext(ctx, `CREATE TABLE records (_empty INTEGER)`)
		return err
	}

	defs := make([]string, len(columns))
	for i, name := range columns {
		defs[i] = quoteIdent(name)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE records (`+strings.Join(defs, ", ")+`)`); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt, err := db.PrepareContext(ctx,
		`INSERT INTO records VALUES (`+placeholders+`)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		args := make([]any, len(columns))
		for i, name := range columns {
			args[i] = bindValue(rec[name])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("load record: %w", err)
		}
	}
	return nil
}

// bindValue coerces a decoded JSON value into a SQLite binding.
func bindValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// runSelect wraps the user statement with the row cap and scans rows
// into maps.
func runSelect(ctx context.Context, db *sql.DB, sqlText string, limit int) (*Result, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sqlText), ";"))
	wrapped := "SELECT * FROM (" + trimmed + ") LIMIT " + fmt.Sprint(limit+1)

	rows, err := db.QueryContext(ctx, wrapped)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalidFileFormat, fmt.Errorf("run query: %w", err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &Result{Columns: columns, Rows: []map[string]any{}}
	values := make([]any, len(columns))
	scan := make([]any, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}
	for rows.Next() {
		if len(result.Rows) == limit {
			result.Truncated = true
			break
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			row[name] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
