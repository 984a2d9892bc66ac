// Package store routes data source IDs to their versioned store files.
// Each data source owns one SQLite file under the data root; the router
// guarantees at most one live handle per file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// Router is the process-wide registry of open versioned stores.
type Router struct {
	dataRoot string
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[string]*sqlite.VersionedStore
}

// NewRouter creates a Router rooted at dataRoot.
func NewRouter(dataRoot string, logger *slog.Logger) *Router {
	return &Router{
		dataRoot: dataRoot,
		logger:   logger,
		stores:   make(map[string]*sqlite.VersionedStore),
	}
}

// storePath is where a data source's store file lives.
func (r *Router) storePath(ds *domain.DataSource) string {
	return filepath.Join(r.dataRoot, "data_sources", ds.ProjectID, ds.ID+".store")
}

// primaryKeyFrom extracts the record-identity field from provider config.
func primaryKeyFrom(config json.RawMessage) string {
	var cfg struct {
		PrimaryKey string `json:"primaryKey"`
	}
	if len(config) > 0 {
		_ = json.Unmarshal(config, &cfg)
	}
	return cfg.PrimaryKey
}

// Open returns the live store handle for a data source, opening (and
// creating) the file on first use. Concurrent openers get the same
// handle.
func (r *Router) Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vs, ok := r.stores[ds.ID]; ok {
		return vs, nil
	}

	path := r.storePath(ds)
	vs, err := sqlite.OpenVersioned(path, primaryKeyFrom(ds.Config))
	if err != nil {
		return nil, fmt.Errorf("open store for %s: %w", ds.ID, err)
	}
	r.stores[ds.ID] = vs
	r.logger.DebugContext(ctx, "opened versioned store",
		slog.String("data_source_id", ds.ID), slog.String("path", path))
	return vs, nil
}

// Close closes and evicts one handle. Closing an unopened source is a
// no-op.
func (r *Router) Close(dsID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, ok := r.stores[dsID]
	if !ok {
		return nil
	}
	delete(r.stores, dsID)
	if err := vs.Close(); err != nil {
		return fmt.Errorf("close store for %s: %w", dsID, err)
	}
	return nil
}

// CloseAll closes every open handle. Called on shutdown.
func (r *Router) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, vs := range r.stores {
		if err := vs.Close(); err != nil {
			r.logger.Warn("close versioned store",
				slog.String("data_source_id", id), slog.String("error", err.Error()))
		}
		delete(r.stores, id)
	}
}

// Purge closes the handle and deletes the store file. Used when a data
// source is deleted.
func (r *Router) Purge(ds *domain.DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vs, ok := r.stores[ds.ID]; ok {
		delete(r.stores, ds.ID)
		if err := vs.Close(); err != nil {
			return fmt.Errorf("close store for purge %s: %w", ds.ID, err)
		}
	}
	path := r.storePath(ds)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove store file %s: %w", path, err)
	}
	// WAL sidecars, best effort.
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	return nil
}

// OpenIDs returns the IDs of currently open stores.
func (r *Router) OpenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	return ids
}

// HealthCheck probes that the data root is writable.
func (r *Router) HealthCheck(ctx context.Context) error {
	if err := os.MkdirAll(r.dataRoot, 0o755); err != nil {
		return fmt.Errorf("data root unavailable: %w", err)
	}
	probe := filepath.Join(r.dataRoot, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("data root not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}
