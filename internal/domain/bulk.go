package domain

import "time"

// BulkEntityType is the kind of entity a bulk operation targets.
type BulkEntityType string

const (
	BulkEntityDataSource BulkEntityType = "data_source"
	BulkEntityPipeline   BulkEntityType = "pipeline"
	BulkEntityJob        BulkEntityType = "job"
)

// ValidBulkEntityType checks if a string is a known bulk entity type.
func ValidBulkEntityType(s string) bool {
	switch BulkEntityType(s) {
	case BulkEntityDataSource, BulkEntityPipeline, BulkEntityJob:
		return true
	}
	return false
}

// BulkOperationType is the action applied to each targeted entity.
type BulkOperationType string

const (
	BulkOpIngest  BulkOperationType = "ingest"
	BulkOpExecute BulkOperationType = "execute"
	BulkOpEnable  BulkOperationType = "enable"
	BulkOpDisable BulkOperationType = "disable"
	BulkOpDelete  BulkOperationType = "delete"
)

// ValidBulkOperationType checks if a string is a known bulk operation type.
func ValidBulkOperationType(s string) bool {
	switch BulkOperationType(s) {
	case BulkOpIngest, BulkOpExecute, BulkOpEnable, BulkOpDisable, BulkOpDelete:
		return true
	}
	return false
}

// BulkStatus is the lifecycle state of a bulk operation.
type BulkStatus string

const (
	BulkPending   BulkStatus = "pending"
	BulkRunning   BulkStatus = "running"
	BulkCompleted BulkStatus = "completed"
	BulkPartial   BulkStatus = "partial"
	BulkFailed    BulkStatus = "failed"
	BulkCancelled BulkStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s BulkStatus) Terminal() bool {
	switch s {
	case BulkCompleted, BulkPartial, BulkFailed, BulkCancelled:
		return true
	}
	return false
}

// BulkOptions tunes how a bulk operation executes.
type BulkOptions struct {
	ContinueOnError bool `json:"continue_on_error"`
	DryRun          bool `json:"dry_run"`
	MaxConcurrent   int  `json:"max_concurrent"` // batch size, default 5
}

// BulkItemResult is the per-entity outcome of a bulk operation.
type BulkItemResult struct {
	EntityID   string  `json:"entity_id"`
	Status     string  `json:"status"` // "success", "failed", "skipped"
	Error      *string `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// BulkProgress tracks completion of a running bulk operation.
type BulkProgress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// BulkOperation applies one operation to many entities with bounded
// parallelism. Operations live in memory; the executions they spawn
// persist like any other.
type BulkOperation struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	EntityType    BulkEntityType    `json:"entity_type"`
	OperationType BulkOperationType `json:"operation_type"`
	EntityIDs     []string          `json:"entity_ids"`
	Options       BulkOptions       `json:"options"`
	Status        BulkStatus        `json:"status"`
	Progress      BulkProgress      `json:"progress"`
	Results       []BulkItemResult  `json:"results,omitempty"`
	Error         *string           `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}
