package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loom-data/loom/engine/internal/diff"
	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/quota"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// StoreOpener resolves a data source to its live versioned store.
// Implemented by the store router.
type StoreOpener interface {
	Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error)
}

// SyncStateStore persists sync bookkeeping on the data source row.
type SyncStateStore interface {
	UpdateSyncState(ctx context.Context, id string, syncedAt time.Time, lastSyncValue *string, status domain.DataSourceStatus) error
}

// LineageRecorder registers ingest activity in the lineage graph.
type LineageRecorder interface {
	RecordIngest(ds *domain.DataSource, v *domain.DataVersion)
}

// Options tunes one ingestion run.
type Options struct {
	Trigger string // "manual", "cron:<expr>", "event:<type>"
}

// Result summarizes a completed ingestion. Version is nil when a delta
// sync found nothing new.
type Result struct {
	Version         *domain.DataVersion `json:"version,omitempty"`
	RecordsFetched  int                 `json:"records_fetched"`
	RecordsImported int                 `json:"records_imported"`
	Warnings        []string            `json:"warnings,omitempty"`
	Duration        time.Duration       `json:"-"`
	DurationMs      int64               `json:"duration_ms"`
}

// Engine runs the import flow for data sources.
type Engine struct {
	providers *Registry
	stores    StoreOpener
	sources   SyncStateStore
	lineage   LineageRecorder
	limits    quota.Enforcer
	bus       events.Bus
	logger    *slog.Logger
}

// NewEngine wires an ingestion engine.
func NewEngine(providers *Registry, stores StoreOpener, sources SyncStateStore, lineage LineageRecorder, limits quota.Enforcer, bus events.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		providers: providers,
		stores:    stores,
		sources:   sources,
		lineage:   lineage,
		limits:    limits,
		bus:       bus,
		logger:    logger,
	}
}

// Ingest runs the full import flow for one data source: fetch, validate,
// transform, delta-reduce, quality-check, append, bookkeep.
func (e *Engine) Ingest(ctx context.Context, ds *domain.DataSource, opts Options) (*Result, error) {
	started := time.Now()
	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}

	cfg, err := ParseSourceConfig(ds)
	if err != nil {
		return nil, fault.Classify(err)
	}
	provider, err := e.providers.Resolve(ds.Provider)
	if err != nil {
		return nil, fault.Classify(err)
	}
	vs, err := e.stores.Open(ctx, ds)
	if err != nil {
		return nil, fault.Classify(err)
	}

	e.publish(ctx, events.ChannelIngestStart, events.IngestPayload{
		DataSourceID: ds.ID,
		ProjectID:    ds.ProjectID,
	})
	logID, err := vs.LogImportStart(ctx, "import via "+string(ds.Provider))
	if err != nil {
		return nil, err
	}

	result, err := e.run(ctx, cfg, provider, vs, ds, opts)
	duration := time.Since(started)
	if err != nil {
		f := fault.Classify(err)
		if logErr := vs.LogImportFinish(ctx, logID, domain.ImportFailed, "", f.Error(), 0, duration); logErr != nil {
			e.logger.ErrorContext(ctx, "record import failure", slog.String("error", logErr.Error()))
		}
		if stateErr := e.sources.UpdateSyncState(ctx, ds.ID, time.Now(), nil, domain.DataSourceError); stateErr != nil {
			e.logger.ErrorContext(ctx, "update sync state", slog.String("error", stateErr.Error()))
		}
		e.publish(ctx, events.ChannelIngestFailure, events.IngestPayload{
			DataSourceID: ds.ID,
			ProjectID:    ds.ProjectID,
			Error:        f.Error(),
		})
		e.logger.ErrorContext(ctx, "ingest failed",
			slog.String("data_source_id", ds.ID),
			slog.String("code", f.Code),
			slog.String("error", f.Error()))
		return nil, f
	}

	versionID := ""
	if result.Version != nil {
		versionID = result.Version.ID
	}
	if logErr := vs.LogImportFinish(ctx, logID, domain.ImportSuccess, versionID, "", result.RecordsImported, duration); logErr != nil {
		e.logger.ErrorContext(ctx, "record import success", slog.String("error", logErr.Error()))
	}

	result.Duration = duration
	result.DurationMs = duration.Milliseconds()
	payload := events.IngestPayload{
		DataSourceID: ds.ID,
		ProjectID:    ds.ProjectID,
		RecordCount:  result.RecordsImported,
	}
	if result.Version != nil {
		payload.VersionID = result.Version.ID
		payload.Version = result.Version.Version
	}
	e.publish(ctx, events.ChannelIngestSuccess, payload)
	e.logger.InfoContext(ctx, "ingest completed",
		slog.String("data_source_id", ds.ID),
		slog.Int("records", result.RecordsImported),
		slog.Duration("duration", duration))
	return result, nil
}

// run is the fallible middle of the flow; Ingest handles bookkeeping for
// both outcomes.
func (e *Engine) run(ctx context.Context, cfg *SourceConfig, provider Provider, vs *sqlite.VersionedStore, ds *domain.DataSource, opts Options) (*Result, error) {
	latest, err := vs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	var latestRecords []domain.Record
	if latest != nil {
		latestRecords = latest.Records
	}

	result := &Result{}
	var reduced *deltaResult

	if cfg.Delta.Mode == DeltaCDC {
		feed, ok := provider.(ChangeFeed)
		if !ok {
			return nil, fault.Newf(fault.CodeUnsupportedFeature,
				"provider %q does not support cdc delta sync", ds.Provider)
		}
		cursor := ""
		if ds.LastSyncValue != nil {
			cursor = *ds.LastSyncValue
		}
		changes, newCursor, err := feed.Changes(ctx, ds, cursor)
		if err != nil {
			return nil, err
		}
		result.RecordsFetched = len(changes)
		merged, err := mergeChanges(latestRecords, changes, cfg.PrimaryKey)
		if err != nil {
			return nil, err
		}
		reduced = &deltaResult{merged: merged, changed: len(changes) > 0}
		if newCursor != "" {
			reduced.watermark = &newCursor
		}
	} else {
		batch, err := provider.Fetch(ctx, ds)
		if err != nil {
			return nil, err
		}
		result.RecordsFetched = len(batch)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		warnings, err := validate(batch, cfg.Strict)
		if err != nil {
			return nil, err
		}
		result.Warnings = warnings

		canonical, err := diff.Canonical(batch)
		if err != nil {
			return nil, fmt.Errorf("encode batch: %w", err)
		}
		if err := e.limits.CheckImport(len(batch), int64(len(canonical))); err != nil {
			return nil, err
		}

		batch = transform(cfg, batch)

		var storedHashes map[string]string
		if cfg.Delta.Mode == DeltaHash {
			if storedHashes, err = vs.DeltaHashes(ctx); err != nil {
				return nil, err
			}
		}
		if reduced, err = reduceDelta(cfg, batch, latestRecords, ds.LastSyncValue, storedHashes); err != nil {
			return nil, err
		}
	}

	if !reduced.changed {
		// Nothing new: advance the watermark, no version.
		if err := e.sources.UpdateSyncState(ctx, ds.ID, time.Now(), reduced.watermark, domain.DataSourceActive); err != nil {
			return nil, err
		}
		return result, nil
	}

	metrics, qualityFailed := EvaluateQuality(reduced.merged, cfg.QualityRules)
	if qualityFailed {
		if err := vs.RecordQualityMetrics(ctx, metrics); err != nil {
			e.logger.ErrorContext(ctx, "record quality metrics", slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("invalid file format: quality checks failed for %s", ds.ID)
	}

	count, err := vs.CountVersions(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.limits.CheckVersionCount(count); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	schema := InferSchema(reduced.merged)
	metadata := map[string]any{
		"provider": string(ds.Provider),
		"trigger":  opts.Trigger,
	}
	version, err := vs.AppendVersion(ctx, reduced.merged, schema, metadata)
	if err != nil {
		return nil, err
	}
	result.Version = version
	result.RecordsImported = len(reduced.merged)

	if len(metrics) > 0 {
		for i := range metrics {
			metrics[i].VersionID = version.ID
		}
		if err := vs.RecordQualityMetrics(ctx, metrics); err != nil {
			e.logger.ErrorContext(ctx, "record quality metrics", slog.String("error", err.Error()))
		}
	}
	if reduced.hashes != nil {
		if err := vs.ReplaceDeltaHashes(ctx, reduced.hashes); err != nil {
			return nil, err
		}
	}
	if err := e.sources.UpdateSyncState(ctx, ds.ID, time.Now(), reduced.watermark, domain.DataSourceActive); err != nil {
		return nil, err
	}

	policy, err := vs.GetRetention(ctx)
	if err == nil && policy.AutoCleanup {
		if deleted, err := vs.ApplyRetention(ctx); err != nil {
			e.logger.WarnContext(ctx, "auto retention", slog.String("error", err.Error()))
		} else if deleted > 0 {
			e.logger.InfoContext(ctx, "auto retention pruned versions",
				slog.String("data_source_id", ds.ID), slog.Int64("deleted", deleted))
		}
	}

	if e.lineage != nil {
		e.lineage.RecordIngest(ds, version)
	}
	return result, nil
}

func (e *Engine) publish(ctx context.Context, channel string, payload events.IngestPayload) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.WarnContext(ctx, "publish event",
			slog.String("channel", channel), slog.String("error", err.Error()))
	}
}
