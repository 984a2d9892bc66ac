// Package reaper is the background maintenance sweep: it expires stale
// rollback points, applies auto-cleanup retention policies, purges old
// webhook deliveries and executions, and reports orphaned store files.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// Settings key holding the maintenance config.
const settingsKey = "maintenance"

// SettingsStore reads the persisted maintenance config.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
}

// PointStore is the rollback-point subset the reaper needs.
type PointStore interface {
	ListActiveRollbackPoints(ctx context.Context) ([]domain.RollbackPoint, error)
	UpdateRollbackStatus(ctx context.Context, id string, status domain.RollbackPointStatus) error
}

// SourceStore lists data sources for retention and orphan checks.
type SourceStore interface {
	ListAllDataSources(ctx context.Context) ([]domain.DataSource, error)
}

// ExecutionStore purges old terminal executions.
type ExecutionStore interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeliveryStore purges old webhook deliveries.
type DeliveryStore interface {
	PurgeDeliveriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StoreOpener opens the versioned store of a data source.
type StoreOpener interface {
	Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error)
}

// Config tunes the sweep. Stored under the "maintenance" settings key;
// zero values fall back to defaults.
type Config struct {
	IntervalMinutes     int `json:"interval_minutes"`       // default 60
	DeliveryMaxAgeDays  int `json:"delivery_max_age_days"`  // default 30
	ExecutionMaxAgeDays int `json:"execution_max_age_days"` // default 90
}

func (c Config) interval() time.Duration {
	if c.IntervalMinutes < 1 {
		return time.Hour
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c Config) deliveryMaxAge() time.Duration {
	days := c.DeliveryMaxAgeDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c Config) executionMaxAge() time.Duration {
	days := c.ExecutionMaxAgeDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}

// Status is the outcome of one sweep.
type Status struct {
	PointsExpired    int       `json:"points_expired"`
	RetentionDeleted int64     `json:"retention_deleted"`
	DeliveriesPurged int64     `json:"deliveries_purged"`
	ExecutionsPurged int64     `json:"executions_purged"`
	OrphanStoreFiles []string  `json:"orphan_store_files,omitempty"`
	RanAt            time.Time `json:"ran_at"`
	DurationMs       int64     `json:"duration_ms"`
}

// Reaper runs the periodic sweep.
type Reaper struct {
	settings   SettingsStore
	points     PointStore
	sources    SourceStore
	executions ExecutionStore
	deliveries DeliveryStore
	stores     StoreOpener
	dataRoot   string
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reaper. Any nil store disables its task.
func New(settings SettingsStore, points PointStore, sources SourceStore,
	executions ExecutionStore, deliveries DeliveryStore, stores StoreOpener,
	dataRoot string, logger *slog.Logger) *Reaper {
	return &Reaper{
		settings:   settings,
		points:     points,
		sources:    sources,
		executions: executions,
		deliveries: deliveries,
		stores:     stores,
		dataRoot:   dataRoot,
		logger:     logger,
	}
}

// Start launches the sweep goroutine. The interval is re-read from
// settings after every tick, so changes apply without a restart.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		interval := r.loadConfig(ctx).interval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
				if next := r.loadConfig(ctx).interval(); next != interval {
					interval = next
					ticker.Reset(interval)
					r.logger.Info("reaper interval updated", slog.Duration("interval", interval))
				}
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// RunNow performs one sweep immediately.
func (r *Reaper) RunNow(ctx context.Context) *Status {
	return r.tick(ctx)
}

// tick runs every task once. Tasks are isolated; a panic in one never
// stops the others.
func (r *Reaper) tick(ctx context.Context) *Status {
	cfg := r.loadConfig(ctx)
	start := time.Now()
	status := &Status{RanAt: start.UTC()}

	r.safeRun("expireRollbackPoints", func() {
		status.PointsExpired = r.expireRollbackPoints(ctx)
	})
	r.safeRun("applyRetention", func() {
		status.RetentionDeleted = r.applyRetention(ctx)
	})
	r.safeRun("purgeDeliveries", func() {
		status.DeliveriesPurged = r.purgeDeliveries(ctx, cfg, start)
	})
	r.safeRun("purgeExecutions", func() {
		status.ExecutionsPurged = r.purgeExecutions(ctx, cfg, start)
	})
	r.safeRun("reportOrphans", func() {
		status.OrphanStoreFiles = r.orphanStoreFiles(ctx)
	})

	status.DurationMs = time.Since(start).Milliseconds()
	r.logger.InfoContext(ctx, "reaper sweep complete",
		slog.Int("points_expired", status.PointsExpired),
		slog.Int64("retention_deleted", status.RetentionDeleted),
		slog.Int64("deliveries_purged", status.DeliveriesPurged),
		slog.Int64("executions_purged", status.ExecutionsPurged),
		slog.Int("orphan_store_files", len(status.OrphanStoreFiles)),
		slog.Int64("duration_ms", status.DurationMs))
	return status
}

// expireRollbackPoints marks active points whose TTL passed, or whose
// pinned versions no longer exist, as expired.
func (r *Reaper) expireRollbackPoints(ctx context.Context) int {
	if r.points == nil {
		return 0
	}
	points, err := r.points.ListActiveRollbackPoints(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "list active rollback points", slog.String("error", err.Error()))
		return 0
	}

	now := time.Now()
	expired := 0
	for i := range points {
		point := points[i]
		if !r.pointStale(ctx, &point, now) {
			continue
		}
		if err := r.points.UpdateRollbackStatus(ctx, point.ID, domain.RollbackExpired); err != nil {
			r.logger.WarnContext(ctx, "expire rollback point",
				slog.String("point_id", point.ID), slog.String("error", err.Error()))
			continue
		}
		expired++
	}
	return expired
}

func (r *Reaper) pointStale(ctx context.Context, point *domain.RollbackPoint, now time.Time) bool {
	if point.ExpiresAt != nil && point.ExpiresAt.Before(now) {
		return true
	}
	if r.sources == nil || r.stores == nil {
		return false
	}
	sources, err := r.sources.ListAllDataSources(ctx)
	if err != nil {
		return false
	}
	byID := make(map[string]*domain.DataSource, len(sources))
	for i := range sources {
		byID[sources[i].ID] = &sources[i]
	}
	for _, snapshot := range point.Snapshots {
		if snapshot.VersionID == "" {
			continue
		}
		ds, ok := byID[snapshot.DataSourceID]
		if !ok {
			return true // the source itself is gone
		}
		vs, err := r.stores.Open(ctx, ds)
		if err != nil {
			continue
		}
		exists, err := vs.HasVersionID(ctx, snapshot.VersionID)
		if err == nil && !exists {
			return true
		}
	}
	return false
}

// applyRetention runs the retention policy of every source that opted
// into auto cleanup. Returns the number of versions deleted.
func (r *Reaper) applyRetention(ctx context.Context) int64 {
	if r.sources == nil || r.stores == nil {
		return 0
	}
	sources, err := r.sources.ListAllDataSources(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "list data sources", slog.String("error", err.Error()))
		return 0
	}

	var deleted int64
	for i := range sources {
		ds := sources[i]
		vs, err := r.stores.Open(ctx, &ds)
		if err != nil {
			r.logger.WarnContext(ctx, "open store for retention",
				slog.String("data_source_id", ds.ID), slog.String("error", err.Error()))
			continue
		}
		policy, err := vs.GetRetention(ctx)
		if err != nil || !policy.AutoCleanup {
			continue
		}
		n, err := vs.ApplyRetention(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "apply retention",
				slog.String("data_source_id", ds.ID), slog.String("error", err.Error()))
			continue
		}
		deleted += n
	}
	return deleted
}

func (r *Reaper) purgeDeliveries(ctx context.Context, cfg Config, now time.Time) int64 {
	if r.deliveries == nil {
		return 0
	}
	n, err := r.deliveries.PurgeDeliveriesOlderThan(ctx, now.Add(-cfg.deliveryMaxAge()))
	if err != nil {
		r.logger.ErrorContext(ctx, "purge webhook deliveries", slog.String("error", err.Error()))
		return 0
	}
	return n
}

func (r *Reaper) purgeExecutions(ctx context.Context, cfg Config, now time.Time) int64 {
	if r.executions == nil {
		return 0
	}
	n, err := r.executions.PurgeOlderThan(ctx, now.Add(-cfg.executionMaxAge()))
	if err != nil {
		r.logger.ErrorContext(ctx, "purge executions", slog.String("error", err.Error()))
		return 0
	}
	return n
}

// orphanStoreFiles reports store files on disk with no data source row.
// Orphans are reported, never deleted: an operator may be mid-restore.
func (r *Reaper) orphanStoreFiles(ctx context.Context) []string {
	if r.sources == nil || r.dataRoot == "" {
		return nil
	}
	sources, err := r.sources.ListAllDataSources(ctx)
	if err != nil {
		return nil
	}
	known := make(map[string]bool, len(sources))
	for _, ds := range sources {
		known[ds.ID] = true
	}

	var orphans []string
	root := filepath.Join(r.dataRoot, "data_sources")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, projectDir := range entries {
		if !projectDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, projectDir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".store") {
				continue
			}
			dsID := strings.TrimSuffix(name, ".store")
			if !known[dsID] {
				path := filepath.Join(root, projectDir.Name(), name)
				orphans = append(orphans, path)
				r.logger.WarnContext(ctx, "orphaned store file", slog.String("path", path))
			}
		}
	}
	return orphans
}

// loadConfig reads the maintenance settings, falling back to defaults.
func (r *Reaper) loadConfig(ctx context.Context) Config {
	var cfg Config
	if r.settings == nil {
		return cfg
	}
	data, err := r.settings.GetSetting(ctx, settingsKey)
	if err != nil || len(data) == 0 {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		r.logger.Warn("invalid maintenance settings, using defaults", slog.String("error", err.Error()))
		return Config{}
	}
	return cfg
}

// safeRun isolates one task so a panic cannot stop the sweep.
func (r *Reaper) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reaper task panicked",
				slog.String("task", name), slog.Any("panic", rec))
		}
	}()
	fn()
}
