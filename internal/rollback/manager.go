// Package rollback captures and restores per-source version snapshots.
// A rollback point pins each covered data source to its latest version
// ID; restoring appends new versions rather than rewriting history.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// prePipelineTTL bounds how long an automatic pre-pipeline point stays
// restorable before the reaper expires it.
const prePipelineTTL = 24 * time.Hour

// PointStore persists rollback points. Implemented by sqlite.RollbackStore.
type PointStore interface {
	CreateRollbackPoint(ctx context.Context, p *domain.RollbackPoint) error
	GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error)
	ListRollbackPoints(ctx context.Context, projectID string, pointType string) ([]domain.RollbackPoint, error)
	UpdateRollbackStatus(ctx context.Context, id string, status domain.RollbackPointStatus) error
	DeleteRollbackPoint(ctx context.Context, id string) error
}

// SourceStore resolves data source rows.
type SourceStore interface {
	GetDataSource(ctx context.Context, id string) (*domain.DataSource, error)
}

// StoreOpener resolves a data source to its live versioned store.
type StoreOpener interface {
	Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error)
}

// RestoreOptions tunes a restore run.
type RestoreOptions struct {
	DryRun bool
}

// RestoreResult reports what a restore did per data source.
type RestoreResult struct {
	PointID  string   `json:"point_id"`
	DryRun   bool     `json:"dry_run"`
	Restored []string `json:"restored,omitempty"` // sources whose latest moved back
	Skipped  []string `json:"skipped,omitempty"`  // already at the snapshot, or empty at capture
}

// Manager owns the rollback point lifecycle.
type Manager struct {
	points  PointStore
	sources SourceStore
	stores  StoreOpener
	logger  *slog.Logger
}

// NewManager wires a rollback manager.
func NewManager(points PointStore, sources SourceStore, stores StoreOpener, logger *slog.Logger) *Manager {
	return &Manager{points: points, sources: sources, stores: stores, logger: logger}
}

// CreatePoint captures the current latest version of every listed data
// source. Sources with no versions yet are recorded with an empty
// version ID and skipped on restore.
func (m *Manager) CreatePoint(ctx context.Context, pointType domain.RollbackPointType, projectID string, dataSourceIDs []string, metadata map[string]any) (*domain.RollbackPoint, error) {
	if len(dataSourceIDs) == 0 {
		return nil, fmt.Errorf("create rollback point: no data sources given")
	}

	point := &domain.RollbackPoint{
		Type:          pointType,
		ProjectID:     projectID,
		DataSourceIDs: dataSourceIDs,
		Metadata:      metadata,
	}
	if pointType == domain.RollbackPrePipeline {
		expires := time.Now().UTC().Add(prePipelineTTL)
		point.ExpiresAt = &expires
	}

	for _, id := range dataSourceIDs {
		ds, err := m.sources.GetDataSource(ctx, id)
		if err != nil {
			return nil, err
		}
		if ds == nil {
			return nil, fmt.Errorf("create rollback point: data source %q not found", id)
		}
		vs, err := m.stores.Open(ctx, ds)
		if err != nil {
			return nil, err
		}
		latest, err := vs.Latest(ctx)
		if err != nil {
			return nil, err
		}

		snap := domain.RollbackSnapshot{DataSourceID: id}
		if latest != nil {
			snap.VersionID = latest.ID
			snap.Version = latest.Version
		}
		point.Snapshots = append(point.Snapshots, snap)
	}

	if err := m.points.CreateRollbackPoint(ctx, point); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "rollback point captured",
		slog.String("point_id", point.ID),
		slog.String("type", string(pointType)),
		slog.Int("sources", len(point.Snapshots)))
	return point, nil
}

// Restore moves every covered data source back to its snapshot version
// by appending a new version with the snapshot's records. Verification
// runs first: any referenced version that no longer exists expires the
// point. Dry runs stop after verification.
func (m *Manager) Restore(ctx context.Context, pointID string, opts RestoreOptions) (*RestoreResult, error) {
	point, err := m.points.GetRollbackPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}
	if point == nil {
		return nil, fmt.Errorf("restore: rollback point %q not found", pointID)
	}
	if point.Status == domain.RollbackExpired {
		return nil, fault.Newf(fault.CodeExpiredRollbackPoint,
			"rollback point %s is expired", pointID)
	}

	type target struct {
		snap domain.RollbackSnapshot
		vs   *sqlite.VersionedStore
	}
	var targets []target
	for _, snap := range point.Snapshots {
		if snap.VersionID == "" {
			continue
		}
		ds, err := m.sources.GetDataSource(ctx, snap.DataSourceID)
		if err != nil {
			return nil, err
		}
		if ds == nil {
			return nil, fmt.Errorf("restore: data source %q not found", snap.DataSourceID)
		}
		vs, err := m.stores.Open(ctx, ds)
		if err != nil {
			return nil, err
		}
		ok, err := vs.HasVersionID(ctx, snap.VersionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			if markErr := m.points.UpdateRollbackStatus(ctx, pointID, domain.RollbackExpired); markErr != nil {
				m.logger.ErrorContext(ctx, "mark rollback point expired", slog.String("error", markErr.Error()))
			}
			return nil, fault.Newf(fault.CodeExpiredRollbackPoint,
				"rollback point %s references version %s which no longer exists", pointID, snap.VersionID)
		}
		targets = append(targets, target{snap: snap, vs: vs})
	}

	result := &RestoreResult{PointID: pointID, DryRun: opts.DryRun}
	for _, snap := range point.Snapshots {
		if snap.VersionID == "" {
			result.Skipped = append(result.Skipped, snap.DataSourceID)
		}
	}
	if opts.DryRun {
		for _, t := range targets {
			result.Restored = append(result.Restored, t.snap.DataSourceID)
		}
		return result, nil
	}

	for _, t := range targets {
		latest, err := t.vs.Latest(ctx)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.ID == t.snap.VersionID {
			result.Skipped = append(result.Skipped, t.snap.DataSourceID)
			continue
		}

		snapshot, err := t.vs.GetVersionByID(ctx, t.snap.VersionID)
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			return nil, fault.Newf(fault.CodeExpiredRollbackPoint,
				"rollback point %s references version %s which no longer exists", pointID, t.snap.VersionID)
		}

		metadata := map[string]any{
			"rollbackTo": t.snap.VersionID,
		}
		if latest != nil {
			metadata["rollbackFrom"] = latest.ID
		}
		if _, err := t.vs.AppendVersion(ctx, snapshot.Records, snapshot.Schema, metadata); err != nil {
			return nil, err
		}
		result.Restored = append(result.Restored, t.snap.DataSourceID)
		m.logger.InfoContext(ctx, "data source restored",
			slog.String("data_source_id", t.snap.DataSourceID),
			slog.String("to_version", t.snap.VersionID))
	}

	if err := m.points.UpdateRollbackStatus(ctx, pointID, domain.RollbackUsed); err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackFailedPipeline restores the pre-pipeline point captured for an
// execution. A pipeline that never mutated anything restores as a
// successful no-op.
func (m *Manager) RollbackFailedPipeline(ctx context.Context, executionID string) (*RestoreResult, error) {
	points, err := m.points.ListRollbackPoints(ctx, "", string(domain.RollbackPrePipeline))
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		if p.Status != domain.RollbackActive {
			continue
		}
		if id, _ := p.Metadata["execution_id"].(string); id == executionID {
			return m.Restore(ctx, p.ID, RestoreOptions{})
		}
	}
	return nil, fmt.Errorf("rollback: no active pre-pipeline point for execution %q", executionID)
}

// List returns a project's rollback points, newest first.
func (m *Manager) List(ctx context.Context, projectID string) ([]domain.RollbackPoint, error) {
	return m.points.ListRollbackPoints(ctx, projectID, "")
}

// Delete removes a rollback point.
func (m *Manager) Delete(ctx context.Context, pointID string) error {
	return m.points.DeleteRollbackPoint(ctx, pointID)
}
