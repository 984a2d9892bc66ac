// Package pipeline executes DAGs of source, transform, merge, diff, and
// output nodes over versioned data sources. Execution is sequential in
// topological order; a pre-pipeline rollback point protects every output
// target before the first mutation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/rollback"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// PipelineStore persists node statuses back to the pipeline row.
type PipelineStore interface {
	UpdatePipeline(ctx context.Context, p *domain.Pipeline) error
}

// ExecutionStore persists execution lifecycle rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *domain.Execution) error
	MarkRunning(ctx context.Context, id string) error
	MarkFinished(ctx context.Context, id string, status domain.ExecutionStatus, errText string, stats json.RawMessage) error
	ListExecutions(ctx context.Context, filter sqlite.ExecutionFilter) ([]domain.Execution, error)
}

// SourceStore resolves data source rows.
type SourceStore interface {
	GetDataSource(ctx context.Context, id string) (*domain.DataSource, error)
}

// StoreOpener resolves a data source to its live versioned store.
type StoreOpener interface {
	Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error)
}

// RollbackPoints captures and restores pre-pipeline rollback points.
// Implemented by rollback.Manager.
type RollbackPoints interface {
	CreatePoint(ctx context.Context, pointType domain.RollbackPointType, projectID string, dataSourceIDs []string, metadata map[string]any) (*domain.RollbackPoint, error)
	Restore(ctx context.Context, pointID string, opts rollback.RestoreOptions) (*rollback.RestoreResult, error)
}

// LineageRecorder registers pipeline activity in the lineage graph.
type LineageRecorder interface {
	RecordPipeline(p *domain.Pipeline, exec *domain.Execution, inputs, outputs []string)
}

// FileExporter writes export files for output nodes without a target
// data source.
type FileExporter interface {
	WriteRecords(ctx context.Context, name, format string, records []domain.Record) (string, error)
}

// nodeStat is the per-node entry in execution stats.
type nodeStat struct {
	Status  string `json:"status"`
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
}

// Engine executes pipelines.
type Engine struct {
	pipelines  PipelineStore
	executions ExecutionStore
	sources    SourceStore
	stores     StoreOpener
	rollback   RollbackPoints
	lineage    LineageRecorder
	exporter   FileExporter
	bus        events.Bus
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine wires a pipeline engine. rollback, lineage, and exporter may
// be nil; the matching features degrade.
func NewEngine(pipelines PipelineStore, executions ExecutionStore, sources SourceStore, stores StoreOpener, rb RollbackPoints, lineage LineageRecorder, exporter FileExporter, bus events.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		pipelines:  pipelines,
		executions: executions,
		sources:    sources,
		stores:     stores,
		rollback:   rb,
		lineage:    lineage,
		exporter:   exporter,
		bus:        bus,
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Execute runs a pipeline to completion and returns its execution row.
// Cycles fail before any side effect.
func (e *Engine) Execute(ctx context.Context, p *domain.Pipeline, trigger string) (*domain.Execution, error) {
	order, err := topoSort(p)
	if err != nil {
		return nil, err
	}

	exec := &domain.Execution{Kind: domain.JobPipeline, TargetID: p.ID, Trigger: trigger}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
	}()

	if err := e.executions.MarkRunning(ctx, exec.ID); err != nil {
		return nil, err
	}
	exec.Status = domain.ExecutionRunning
	exec.Attempts++

	pointID := ""
	if targets := outputTargets(p); len(targets) > 0 && e.rollback != nil {
		point, err := e.rollback.CreatePoint(ctx, domain.RollbackPrePipeline, p.ProjectID, targets, map[string]any{
			"execution_id": exec.ID,
			"pipeline_id":  p.ID,
		})
		if err != nil {
			return e.finish(ctx, p, exec, domain.ExecutionFailed, fault.Classify(err).Error(), nil, time.Now())
		}
		pointID = point.ID
	}

	e.publishPipeline(ctx, events.ChannelPipelineStart, p, exec, "running", "", 0)
	e.logger.InfoContext(ctx, "pipeline started",
		slog.String("pipeline_id", p.ID), slog.String("execution_id", exec.ID))

	started := time.Now()
	byID := make(map[string]*domain.PipelineNode, len(p.Nodes))
	for i := range p.Nodes {
		p.Nodes[i].Status = domain.NodeIdle
		byID[p.Nodes[i].ID] = &p.Nodes[i]
	}

	results := make(map[string][]domain.Record)
	stats := make(map[string]*nodeStat, len(p.Nodes))
	skipped := make(map[string]bool)
	var nodeErrs []string
	cancelled := false
	failedHard := false

	for _, id := range order {
		if skipped[id] {
			stats[id] = &nodeStat{Status: string(domain.NodeIdle)}
			continue
		}
		if runCtx.Err() != nil {
			cancelled = true
			break
		}

		node := byID[id]
		node.Status = domain.NodeRunning
		records, err := e.runNode(runCtx, p, node, exec, results)
		now := time.Now().UTC()
		node.LastRun = &now

		if err != nil {
			f := fault.Classify(err)
			node.Status = domain.NodeError
			stats[id] = &nodeStat{Status: string(domain.NodeError), Error: f.Error()}
			nodeErrs = append(nodeErrs, fmt.Sprintf("%s: %s", id, f.Error()))
			e.logger.ErrorContext(ctx, "pipeline node failed",
				slog.String("pipeline_id", p.ID),
				slog.String("node_id", id),
				slog.String("code", f.Code),
				slog.String("error", f.Error()))
			for d := range descendantsOf(p, id) {
				skipped[d] = true
			}
			if fault.CodeOf(err) == fault.CodeCancelled {
				cancelled = true
				break
			}
			if !p.ContinueOnError {
				failedHard = true
				break
			}
			continue
		}

		node.Status = domain.NodeSuccess
		results[id] = records
		stats[id] = &nodeStat{Status: string(domain.NodeSuccess), Records: len(records)}
	}

	status := domain.ExecutionCompleted
	switch {
	case cancelled:
		status = domain.ExecutionCancelled
	case failedHard:
		status = domain.ExecutionFailed
	case len(nodeErrs) > 0:
		status = domain.ExecutionPartial
	}

	if status == domain.ExecutionFailed && pointID != "" {
		if _, rbErr := e.rollback.Restore(context.WithoutCancel(ctx), pointID, rollback.RestoreOptions{}); rbErr != nil {
			e.logger.ErrorContext(ctx, "rollback after pipeline failure",
				slog.String("pipeline_id", p.ID), slog.String("error", rbErr.Error()))
		}
	}

	statsJSON, _ := json.Marshal(map[string]any{
		"nodes":       stats,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return e.finish(ctx, p, exec, status, strings.Join(nodeErrs, "; "), statsJSON, started)
}

// finish persists the terminal state and emits the closing events.
func (e *Engine) finish(ctx context.Context, p *domain.Pipeline, exec *domain.Execution, status domain.ExecutionStatus, errText string, stats json.RawMessage, started time.Time) (*domain.Execution, error) {
	bookCtx := context.WithoutCancel(ctx)
	duration := time.Since(started)

	if err := e.executions.MarkFinished(bookCtx, exec.ID, status, errText, stats); err != nil {
		e.logger.ErrorContext(ctx, "mark execution finished", slog.String("error", err.Error()))
	}
	if err := e.pipelines.UpdatePipeline(bookCtx, p); err != nil {
		e.logger.ErrorContext(ctx, "persist node statuses", slog.String("error", err.Error()))
	}

	exec.Status = status
	exec.Stats = stats
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if errText != "" {
		exec.Error = &errText
	}

	if status == domain.ExecutionCompleted && e.lineage != nil {
		inputs, outputs := sourceTargets(p)
		e.lineage.RecordPipeline(p, exec, inputs, outputs)
	}

	if status == domain.ExecutionCompleted {
		e.publishPipeline(bookCtx, events.ChannelPipelineSuccess, p, exec, string(status), "", duration)
	} else {
		e.publishPipeline(bookCtx, events.ChannelPipelineFailure, p, exec, string(status), errText, duration)
	}
	e.publishPipeline(bookCtx, events.ChannelPipelineComplete, p, exec, string(status), errText, duration)

	e.logger.InfoContext(ctx, "pipeline finished",
		slog.String("pipeline_id", p.ID),
		slog.String("execution_id", exec.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", duration))
	return exec, nil
}

// runNode executes one node against its upstream results.
func (e *Engine) runNode(ctx context.Context, p *domain.Pipeline, node *domain.PipelineNode, exec *domain.Execution, results map[string][]domain.Record) ([]domain.Record, error) {
	switch node.Type {
	case domain.NodeSource:
		return e.runSource(ctx, node)
	case domain.NodeTransform:
		return e.runTransform(ctx, node, gatherInput(p, node.ID, results))
	case domain.NodeMerge:
		var cfg mergeConfig
		if err := decodeNodeConfig(*node, &cfg); err != nil {
			return nil, err
		}
		return applyMerge(cfg, gatherInputs(p, node.ID, results))
	case domain.NodeDiff:
		var cfg diffConfig
		if err := decodeNodeConfig(*node, &cfg); err != nil {
			return nil, err
		}
		return applyDiff(cfg, gatherInputs(p, node.ID, results))
	case domain.NodeOutput:
		return e.runOutput(ctx, p, node, exec, gatherInput(p, node.ID, results))
	default:
		return nil, fault.Newf(fault.CodeUnsupportedFeature,
			"node %s: unknown node type %q", node.ID, node.Type)
	}
}

func (e *Engine) runSource(ctx context.Context, node *domain.PipelineNode) ([]domain.Record, error) {
	var cfg sourceConfig
	if err := decodeNodeConfig(*node, &cfg); err != nil {
		return nil, err
	}
	if cfg.DataSourceID == "" {
		return nil, fmt.Errorf("node %s: missing required field dataSourceId", node.ID)
	}

	ds, err := e.sources.GetDataSource(ctx, cfg.DataSourceID)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, fmt.Errorf("node %s: data source %q not found", node.ID, cfg.DataSourceID)
	}
	vs, err := e.stores.Open(ctx, ds)
	if err != nil {
		return nil, err
	}

	var version *domain.DataVersion
	if cfg.Version > 0 {
		version, err = vs.GetVersion(ctx, cfg.Version)
	} else {
		version, err = vs.Latest(ctx)
	}
	if err != nil {
		return nil, err
	}
	if version == nil {
		if cfg.Version > 0 {
			return nil, fmt.Errorf("node %s: version %d of %s not found", node.ID, cfg.Version, cfg.DataSourceID)
		}
		return nil, nil
	}
	return version.Records, nil
}

func (e *Engine) runTransform(ctx context.Context, node *domain.PipelineNode, input []domain.Record) ([]domain.Record, error) {
	switch node.Category {
	case CategoryFilter:
		var cfg filterConfig
		if err := decodeNodeConfig(*node, &cfg); err != nil {
			return nil, err
		}
		return applyFilter(cfg, input)
	case CategoryMap:
		var cfg mapConfig
		if err := decodeNodeConfig(*node, &cfg); err != nil {
			return nil, err
		}
		return applyMap(cfg, input), nil
	case CategorySort:
		var cfg sortConfig
		if err := decodeNodeConfig(*node, &cfg); err != nil {
			return nil, err
		}
		return applySort(cfg, input)
	case CategoryAggregate:
		var cfg aggregateConfig
		if err := decodeNodeConfig(*node, &cfg); err != nil {
			return nil, err
		}
		return applyAggregate(cfg, input)
	case CategoryScript:
		var cfg scriptConfig
		if err := decodeNodeConfig(*node, &cfg); err != nil {
			return nil, err
		}
		return runScriptTransform(ctx, cfg, input)
	default:
		return nil, fault.Newf(fault.CodeUnsupportedFeature,
			"node %s: unknown transform category %q", node.ID, node.Category)
	}
}

func (e *Engine) runOutput(ctx context.Context, p *domain.Pipeline, node *domain.PipelineNode, exec *domain.Execution, input []domain.Record) ([]domain.Record, error) {
	var cfg outputConfig
	if err := decodeNodeConfig(*node, &cfg); err != nil {
		return nil, err
	}

	switch {
	case cfg.DataSourceID != "":
		ds, err := e.sources.GetDataSource(ctx, cfg.DataSourceID)
		if err != nil {
			return nil, err
		}
		if ds == nil {
			return nil, fmt.Errorf("node %s: data source %q not found", node.ID, cfg.DataSourceID)
		}
		vs, err := e.stores.Open(ctx, ds)
		if err != nil {
			return nil, err
		}
		metadata := map[string]any{
			"pipelineId":  p.ID,
			"executionId": exec.ID,
			"nodeId":      node.ID,
			"trigger":     exec.Trigger,
		}
		if _, err := vs.AppendVersion(ctx, input, ingest.InferSchema(input), metadata); err != nil {
			return nil, err
		}
		return input, nil
	case cfg.ExportName != "":
		if e.exporter == nil {
			return nil, fault.Newf(fault.CodeUnsupportedFeature,
				"node %s: export output is not configured", node.ID)
		}
		format := cfg.Format
		if format == "" {
			format = "json"
		}
		if _, err := e.exporter.WriteRecords(ctx, cfg.ExportName, format, input); err != nil {
			return nil, err
		}
		return input, nil
	default:
		return nil, fmt.Errorf("node %s: missing required field dataSourceId or exportName", node.ID)
	}
}

// gatherInput concatenates upstream results in edge declaration order.
func gatherInput(p *domain.Pipeline, nodeID string, results map[string][]domain.Record) []domain.Record {
	var input []domain.Record
	for _, id := range inputsOf(p, nodeID) {
		input = append(input, results[id]...)
	}
	return input
}

// gatherInputs keeps upstream results separate for merge and diff nodes.
func gatherInputs(p *domain.Pipeline, nodeID string, results map[string][]domain.Record) [][]domain.Record {
	var inputs [][]domain.Record
	for _, id := range inputsOf(p, nodeID) {
		inputs = append(inputs, results[id])
	}
	return inputs
}

// outputTargets lists the data sources any output node writes to.
func outputTargets(p *domain.Pipeline) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, node := range p.Nodes {
		if node.Type != domain.NodeOutput {
			continue
		}
		var cfg outputConfig
		if json.Unmarshal(node.Config, &cfg) != nil || cfg.DataSourceID == "" {
			continue
		}
		if !seen[cfg.DataSourceID] {
			seen[cfg.DataSourceID] = true
			targets = append(targets, cfg.DataSourceID)
		}
	}
	return targets
}

// sourceTargets lists input and output data source IDs for lineage.
func sourceTargets(p *domain.Pipeline) (inputs, outputs []string) {
	seen := make(map[string]bool)
	for _, node := range p.Nodes {
		switch node.Type {
		case domain.NodeSource:
			var cfg sourceConfig
			if json.Unmarshal(node.Config, &cfg) == nil && cfg.DataSourceID != "" && !seen["in:"+cfg.DataSourceID] {
				seen["in:"+cfg.DataSourceID] = true
				inputs = append(inputs, cfg.DataSourceID)
			}
		case domain.NodeOutput:
			var cfg outputConfig
			if json.Unmarshal(node.Config, &cfg) == nil && cfg.DataSourceID != "" && !seen["out:"+cfg.DataSourceID] {
				seen["out:"+cfg.DataSourceID] = true
				outputs = append(outputs, cfg.DataSourceID)
			}
		}
	}
	return inputs, outputs
}

// Cancel cooperatively stops a running execution.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel: execution %q is not running", executionID)
	}
	cancel()
	return nil
}

// History lists past executions of a pipeline, newest first.
func (e *Engine) History(ctx context.Context, pipelineID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.executions.ListExecutions(ctx, sqlite.ExecutionFilter{TargetID: pipelineID, Limit: limit})
}

func (e *Engine) publishPipeline(ctx context.Context, channel string, p *domain.Pipeline, exec *domain.Execution, status, errText string, duration time.Duration) {
	if e.bus == nil {
		return
	}
	payload := events.PipelinePayload{
		ExecutionID: exec.ID,
		PipelineID:  p.ID,
		ProjectID:   p.ProjectID,
		Status:      status,
		Error:       errText,
		DurationMs:  duration.Milliseconds(),
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.WarnContext(ctx, "publish event",
			slog.String("channel", channel), slog.String("error", err.Error()))
	}
}
