package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/loom-data/loom/engine/internal/domain"
)

// Transform categories.
const (
	CategoryFilter    = "filter"
	CategoryMap       = "map"
	CategorySort      = "sort"
	CategoryAggregate = "aggregate"
	CategoryScript    = "script"
)

// sourceConfig reads records from a data source, latest version unless
// pinned.
type sourceConfig struct {
	DataSourceID string `json:"dataSourceId"`
	Version      int64  `json:"version,omitempty"`
}

// filterConfig keeps records where Field compares true against Value.
type filterConfig struct {
	Field string `json:"field"`
	Op    string `json:"op"` // eq, neq, gt, gte, lt, lte, contains
	Value any    `json:"value"`
}

// mapConfig renames and drops fields.
type mapConfig struct {
	Renames map[string]string `json:"renames,omitempty"`
	Drops   []string          `json:"drops,omitempty"`
}

// sortConfig orders records by one field.
type sortConfig struct {
	Field string `json:"field"`
	Order string `json:"order,omitempty"` // asc (default) or desc
}

// aggregation is one output column of an aggregate node.
type aggregation struct {
	Op    string `json:"op"` // sum, count, min, max, avg
	Field string `json:"field,omitempty"`
	As    string `json:"as"`
}

// aggregateConfig groups records and computes aggregations per group.
type aggregateConfig struct {
	GroupBy      []string      `json:"groupBy"`
	Aggregations []aggregation `json:"aggregations"`
}

// scriptConfig runs a goja script with `records` in scope; the script
// value (or the value returned by a final function) replaces the batch.
type scriptConfig struct {
	Script string `json:"script"`
}

// mergeConfig joins two or more inputs on the join keys.
type mergeConfig struct {
	JoinKeys []string `json:"joinKeys"`
	JoinType string   `json:"joinType,omitempty"` // inner, left, outer (default inner)
	Conflict string   `json:"conflict,omitempty"` // prefer-left (default), prefer-right
}

// diffConfig compares exactly two inputs by key column.
type diffConfig struct {
	KeyColumn string `json:"keyColumn"`
}

// outputConfig appends records to a data source, or writes an export
// file when ExportName is set.
type outputConfig struct {
	DataSourceID string `json:"dataSourceId,omitempty"`
	ExportName   string `json:"exportName,omitempty"`
	Format       string `json:"format,omitempty"` // json (default), csv
}

func decodeNodeConfig(node domain.PipelineNode, v any) error {
	if len(node.Config) == 0 {
		return fmt.Errorf("node %s: missing required field config", node.ID)
	}
	if err := json.Unmarshal(node.Config, v); err != nil {
		return fmt.Errorf("node %s: invalid file format: %w", node.ID, err)
	}
	return nil
}
