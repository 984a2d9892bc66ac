// Package domain defines the core business types shared across loomd.
// These types represent the engine's data model — not HTTP specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type (computed
// fields, request-only fields such as webhook secrets), the api package
// defines a dedicated request/response struct instead.
//
// Internal-only fields are tagged with `json:"-"` to prevent accidental
// exposure (e.g. WebhookConfig.Secret, which signs outbound payloads and
// must never appear in a list response).
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ProviderType identifies which ingestion provider backs a data source.
type ProviderType string

const (
	ProviderCSV    ProviderType = "csv"
	ProviderJSON   ProviderType = "json"
	ProviderAPI    ProviderType = "api"
	ProviderScript ProviderType = "script"
	ProviderCloud  ProviderType = "cloud"
	ProviderMock   ProviderType = "mock"
)

// ValidProviderType checks if a string is a known provider type.
func ValidProviderType(s string) bool {
	switch ProviderType(s) {
	case ProviderCSV, ProviderJSON, ProviderAPI, ProviderScript, ProviderCloud, ProviderMock:
		return true
	}
	return false
}

// Project groups data sources, pipelines, and jobs under one workspace.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	DataPath    string    `json:"data_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DataSourceStatus reflects the last known state of a data source.
type DataSourceStatus string

const (
	DataSourceActive  DataSourceStatus = "active"
	DataSourceSyncing DataSourceStatus = "syncing"
	DataSourceError   DataSourceStatus = "error"
)

// DataSource is a configured ingestion target. Each data source owns one
// versioned store file under <dataRoot>/data_sources/<projectID>/<id>.store.
type DataSource struct {
	ID            string           `json:"id"` // "ds_" + xid
	ProjectID     string           `json:"project_id"`
	Name          string           `json:"name"`
	Provider      ProviderType     `json:"provider_type"`
	Config        json.RawMessage  `json:"config"` // provider-specific settings
	Enabled       bool             `json:"enabled"`
	SyncInterval  *int             `json:"sync_interval,omitempty"` // minutes, informational
	LastSyncAt    *time.Time       `json:"last_sync_at,omitempty"`
	LastSyncValue *string          `json:"last_sync_value,omitempty"` // delta watermark
	Status        DataSourceStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// NodeType identifies a pipeline node's role in the graph.
type NodeType string

const (
	NodeSource    NodeType = "source"
	NodeTransform NodeType = "transform"
	NodeMerge     NodeType = "merge"
	NodeDiff      NodeType = "diff"
	NodeOutput    NodeType = "output"
)

// ValidNodeType checks if a string is a known node type.
func ValidNodeType(s string) bool {
	switch NodeType(s) {
	case NodeSource, NodeTransform, NodeMerge, NodeDiff, NodeOutput:
		return true
	}
	return false
}

// NodeStatus is the per-node outcome of the most recent execution.
type NodeStatus string

const (
	NodeIdle    NodeStatus = "idle"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeError   NodeStatus = "error"
	NodeWarning NodeStatus = "warning"
)

// PipelineNode is one vertex of a pipeline graph. Config is parsed by the
// pipeline engine according to Type.
type PipelineNode struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Category string          `json:"category,omitempty"`
	Config   json.RawMessage `json:"config"`
	Status   NodeStatus      `json:"status"`
	LastRun  *time.Time      `json:"last_run,omitempty"`
	Version  int             `json:"version"`
}

// PipelineEdge connects two nodes; records flow from Source to Target.
type PipelineEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Pipeline is a DAG of nodes executed in topological order.
type Pipeline struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Nodes           []PipelineNode `json:"nodes"`
	Edges           []PipelineEdge `json:"edges"`
	ContinueOnError bool           `json:"continue_on_error"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// JobKind selects what a scheduled job runs.
type JobKind string

const (
	JobIngest   JobKind = "ingest"
	JobPipeline JobKind = "pipeline"
	JobBulk     JobKind = "bulk"
)

// ValidJobKind checks if a string is a known job kind.
func ValidJobKind(s string) bool {
	switch JobKind(s) {
	case JobIngest, JobPipeline, JobBulk:
		return true
	}
	return false
}

// JobSchedule is a cron expression evaluated in the given IANA timezone
// (engine default when empty).
type JobSchedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// Job is a runnable unit: an ingest of one data source, a pipeline
// execution, or a bulk operation. Jobs fire on a cron schedule, on engine
// events, or manually.
type Job struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"project_id"`
	Name           string       `json:"name"`
	Kind           JobKind      `json:"kind"`
	TargetID       string       `json:"target_id"`
	Schedule       *JobSchedule `json:"schedule,omitempty"`
	TriggerEvents  []string     `json:"trigger_events,omitempty"`
	Enabled        bool         `json:"enabled"`
	WebhookEnabled bool         `json:"webhook_enabled"`
	WebhookEvents  []string     `json:"webhook_events,omitempty"`
	MaxRetries     int          `json:"max_retries"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time   `json:"next_run_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ExecutionStatus is the lifecycle state of a single execution.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial" // pipeline finished with failed branches
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution records one run of a job or a directly executed pipeline.
// JobID is nil for manual pipeline executions.
type Execution struct {
	ID          string          `json:"id"`
	JobID       *string         `json:"job_id,omitempty"`
	Kind        JobKind         `json:"kind"`
	TargetID    string          `json:"target_id"`
	Status      ExecutionStatus `json:"status"`
	Trigger     string          `json:"trigger"` // "cron:<expr>", "event:<type>", "manual"
	Error       *string         `json:"error,omitempty"`
	Stats       json.RawMessage `json:"stats,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RollbackPointType records how a rollback point came to exist.
type RollbackPointType string

const (
	RollbackManual      RollbackPointType = "manual"
	RollbackPrePipeline RollbackPointType = "pre-pipeline"
	RollbackScheduled   RollbackPointType = "scheduled"
)

// RollbackPointStatus is the lifecycle state of a rollback point.
type RollbackPointStatus string

const (
	RollbackActive  RollbackPointStatus = "active"
	RollbackUsed    RollbackPointStatus = "used"
	RollbackExpired RollbackPointStatus = "expired"
)

// RollbackSnapshot pins one data source to the version it had when the
// point was captured. VersionID is empty for sources that had no versions.
type RollbackSnapshot struct {
	DataSourceID string `json:"data_source_id"`
	VersionID    string `json:"version_id"`
	Version      int64  `json:"version"`
}

// RollbackPoint is a named restore target spanning one or more data
// sources. Restoring appends new versions; history is never rewritten.
type RollbackPoint struct {
	ID            string              `json:"id"`
	Type          RollbackPointType   `json:"type"`
	ProjectID     string              `json:"project_id"`
	DataSourceIDs []string            `json:"data_source_ids"`
	Snapshots     []RollbackSnapshot  `json:"snapshots"`
	Status        RollbackPointStatus `json:"status"`
	CapturedAt    time.Time           `json:"captured_at"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

// WebhookType selects the outbound payload shape.
type WebhookType string

const (
	WebhookSlack   WebhookType = "slack"
	WebhookDiscord WebhookType = "discord"
	WebhookGeneric WebhookType = "generic"
)

// ValidWebhookType checks if a string is a known webhook type.
func ValidWebhookType(s string) bool {
	switch WebhookType(s) {
	case WebhookSlack, WebhookDiscord, WebhookGeneric:
		return true
	}
	return false
}

// WebhookConfig subscribes an HTTP endpoint to engine events, optionally
// scoped to one project and/or pipeline.
type WebhookConfig struct {
	ID         string            `json:"id"`
	ProjectID  *string           `json:"project_id,omitempty"`
	PipelineID *string           `json:"pipeline_id,omitempty"`
	Name       string            `json:"name"`
	Type       WebhookType       `json:"type"`
	URL        string            `json:"url"`
	Secret     string            `json:"-"` // HMAC signing key, never serialized
	Headers    map[string]string `json:"headers,omitempty"`
	Events     []string          `json:"events"`
	Enabled    bool              `json:"enabled"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// DeliveryStatus is the lifecycle state of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryRetry   DeliveryStatus = "retry"
)

// WebhookDelivery is the durable record of one event sent to one config.
// The row is written before any network attempt so deliveries survive
// crashes and restarts.
type WebhookDelivery struct {
	ID            string          `json:"id"`
	ConfigID      string          `json:"config_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        DeliveryStatus  `json:"status"`
	HTTPStatus    *int            `json:"http_status,omitempty"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
