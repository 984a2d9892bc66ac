package domain

import "time"

// Record is one ingested row: a JSON object decoded with UseNumber so
// integer-valued fields keep their exact text form.
type Record map[string]any

// SchemaField describes one field of an inferred schema.
type SchemaField struct {
	Type     string `json:"type"` // string, integer, float, boolean, object, array, null
	Nullable bool   `json:"nullable,omitempty"`
}

// Schema maps field names to their inferred types.
type Schema map[string]SchemaField

// Equal reports whether two schemas have exactly the same fields, types,
// and nullability. Used to decide whether a schema history entry is due.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for name, f := range s {
		o, ok := other[name]
		if !ok || o != f {
			return false
		}
	}
	return true
}

// FieldChange records one modified field inside a modified record.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ModifiedRecord pairs a record identity with its per-field changes.
type ModifiedRecord struct {
	Key    string                 `json:"key"`
	Old    Record                 `json:"old,omitempty"`
	New    Record                 `json:"new,omitempty"`
	Fields map[string]FieldChange `json:"fields"`
}

// RecordDiff is the change set between two consecutive record sets.
// Record identity is the configured primary key value when present,
// otherwise the canonical JSON of the whole record.
type RecordDiff struct {
	Added    []Record         `json:"added"`
	Removed  []Record         `json:"removed"`
	Modified []ModifiedRecord `json:"modified"`
}

// Empty reports whether the diff carries no changes.
func (d *RecordDiff) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0)
}

// DataVersion is one immutable entry in a data source's version chain.
// Version numbers are strictly monotone and gap-free from 1.
type DataVersion struct {
	ID                string         `json:"id"`
	Version           int64          `json:"version"`
	PreviousVersionID *string        `json:"previous_version_id,omitempty"`
	RecordCount       int            `json:"record_count"`
	Records           []Record       `json:"records,omitempty"` // omitted in list views
	Schema            Schema         `json:"schema,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Diff              *RecordDiff    `json:"diff,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// SchemaVersion is one entry in a data source's schema history. A new
// entry is recorded only when the inferred schema differs deeply from
// the previous one.
type SchemaVersion struct {
	ID          string    `json:"id"`
	Version     int64     `json:"version"`
	Schema      Schema    `json:"schema"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RetentionStrategy selects how old versions are pruned.
type RetentionStrategy string

const (
	RetentionKeepLast RetentionStrategy = "keep-last"
	RetentionKeepDays RetentionStrategy = "keep-days"
	RetentionKeepAll  RetentionStrategy = "keep-all"
)

// ValidRetentionStrategy checks if a string is a known retention strategy.
func ValidRetentionStrategy(s string) bool {
	switch RetentionStrategy(s) {
	case RetentionKeepLast, RetentionKeepDays, RetentionKeepAll:
		return true
	}
	return false
}

// RetentionPolicy governs version pruning for one data source. The latest
// version is never deleted regardless of strategy.
type RetentionPolicy struct {
	Strategy    RetentionStrategy `json:"strategy"`
	Value       int               `json:"value,omitempty"` // versions for keep-last, days for keep-days
	AutoCleanup bool              `json:"auto_cleanup"`
}

// DefaultRetentionPolicy returns the policy applied when none is configured.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Strategy:    RetentionKeepLast,
		Value:       10,
		AutoCleanup: false,
	}
}

// VersionStats summarizes a data source's versioned store.
type VersionStats struct {
	TotalVersions int64      `json:"total_versions"`
	TotalRecords  int        `json:"total_records"` // record count of the latest version
	LatestVersion int64      `json:"latest_version"`
	OldestVersion int64      `json:"oldest_version"`
	DataSizeBytes int64      `json:"data_size_bytes"`
	LastImportAt  *time.Time `json:"last_import_at,omitempty"`
}

// ImportLogStatus is the outcome of one import attempt.
type ImportLogStatus string

const (
	ImportRunning ImportLogStatus = "running"
	ImportSuccess ImportLogStatus = "success"
	ImportFailed  ImportLogStatus = "failed"
)

// ImportLog records one import attempt against a data source.
type ImportLog struct {
	ID               string          `json:"id"`
	VersionID        *string         `json:"version_id,omitempty"`
	Status           ImportLogStatus `json:"status"`
	Message          string          `json:"message,omitempty"`
	ErrorDetails     *string         `json:"error_details,omitempty"`
	DurationMs       *int64          `json:"duration_ms,omitempty"`
	RecordsProcessed int             `json:"records_processed"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// QualityStatus is the outcome of one quality rule evaluation.
type QualityStatus string

const (
	QualityPass QualityStatus = "pass"
	QualityWarn QualityStatus = "warn"
	QualityFail QualityStatus = "fail"
)

// QualityMetric is one rule evaluation recorded against a version.
type QualityMetric struct {
	ID          string        `json:"id"`
	VersionID   string        `json:"version_id"`
	MetricName  string        `json:"metric_name"`
	MetricValue float64       `json:"metric_value"`
	Threshold   *float64      `json:"threshold,omitempty"`
	Status      QualityStatus `json:"status"`
	Details     *string       `json:"details,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
