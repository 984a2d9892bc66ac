// Package export writes data source versions to files under the data
// root: JSON and CSV documents, Arrow IPC streams, and byte-exact store
// file backups.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// SourceStore resolves data sources for exports and backups.
type SourceStore interface {
	GetDataSource(ctx context.Context, id string) (*domain.DataSource, error)
}

// StoreOpener opens versioned stores; Close quiesces a handle before a
// file-level backup.
type StoreOpener interface {
	Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error)
	Close(dsID string) error
}

// Exporter writes exports to <dataRoot>/exports and backups to
// <dataRoot>/backups.
type Exporter struct {
	dataRoot string
	sources  SourceStore
	stores   StoreOpener
	logger   *slog.Logger
}

// New creates an exporter rooted at dataRoot.
func New(dataRoot string, sources SourceStore, stores StoreOpener, logger *slog.Logger) *Exporter {
	return &Exporter{dataRoot: dataRoot, sources: sources, stores: stores, logger: logger}
}

// WriteRecords writes a record set to <dataRoot>/exports/<name>.<ext>
// and returns the file path. Format is one of json, csv, arrow.
func (e *Exporter) WriteRecords(ctx context.Context, name, format string, records []domain.Record) (string, error) {
	name = sanitizeName(name)
	if name == "" {
		return "", fault.New(fault.CodeMissingRequiredField, "export: name is required")
	}

	dir := filepath.Join(e.dataRoot, "exports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create exports dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case "", "json":
		format = "json"
		data, err = json.MarshalIndent(records, "", "  ")
	case "csv":
		data, err = recordsToCSV(records)
	case "arrow":
		data, err = recordsToIPC(ingest.InferSchema(records), records)
	default:
		return "", fault.Newf(fault.CodeUnsupportedFeature, "export: unknown format %q", format)
	}
	if err != nil {
		return "", fmt.Errorf("render %s export: %w", format, err)
	}

	path := filepath.Join(dir, name+"."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	e.logger.InfoContext(ctx, "export written",
		slog.String("path", path),
		slog.String("format", format),
		slog.Int("records", len(records)))
	return path, nil
}

// ExportSource writes one version of a data source. Version 0 exports
// the latest.
func (e *Exporter) ExportSource(ctx context.Context, dsID string, version int64, format string) (string, error) {
	ds, err := e.sources.GetDataSource(ctx, dsID)
	if err != nil {
		return "", err
	}
	if ds == nil {
		return "", fmt.Errorf("export: data source %q not found", dsID)
	}
	vs, err := e.stores.Open(ctx, ds)
	if err != nil {
		return "", err
	}

	var v *domain.DataVersion
	if version > 0 {
		v, err = vs.GetVersion(ctx, version)
	} else {
		v, err = vs.Latest(ctx)
	}
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("export: data source %q has no version %d", dsID, version)
	}

	name := fmt.Sprintf("%s-v%d", ds.ID, v.Version)
	return e.WriteRecords(ctx, name, format, v.Records)
}

// Backup copies the store file byte-exactly to
// <dataRoot>/backups/<timestamp>-<dsId>.store. The live handle is
// closed first so the copy sees a checkpointed file; the router reopens
// lazily on next use.
func (e *Exporter) Backup(ctx context.Context, dsID string) (string, error) {
	ds, err := e.sources.GetDataSource(ctx, dsID)
	if err != nil {
		return "", err
	}
	if ds == nil {
		return "", fmt.Errorf("backup: data source %q not found", dsID)
	}
	vs, err := e.stores.Open(ctx, ds)
	if err != nil {
		return "", err
	}
	srcPath := vs.Path()
	if err := e.stores.Close(ds.ID); err != nil {
		return "", fmt.Errorf("quiesce store: %w", err)
	}

	dir := filepath.Join(e.dataRoot, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backups dir: %w", err)
	}
	dstPath := filepath.Join(dir, time.Now().UTC().Format("20060102T150405")+"-"+ds.ID+".store")
	if err := copyFile(srcPath, dstPath); err != nil {
		return "", fmt.Errorf("copy store file: %w", err)
	}
	e.logger.InfoContext(ctx, "backup written",
		slog.String("data_source_id", ds.ID), slog.String("path", dstPath))
	return dstPath, nil
}

// recordsToCSV renders records with a sorted header derived from the
// union of fields.
func recordsToCSV(records []domain.Record) ([]byte, error) {
	fields := map[string]bool{}
	for _, rec := range records {
		for name := range rec {
			fields[name] = true
		}
	}
	header := make([]string, 0, len(fields))
	for name := range fields {
		header = append(header, name)
	}
	sort.Strings(header)

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := make([]string, len(header))
		for i, name := range header {
			row[i] = cellText(rec[name])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// cellText renders one CSV cell. Nested values fall back to JSON.
func cellText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// sanitizeName keeps export names inside the exports directory.
func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
