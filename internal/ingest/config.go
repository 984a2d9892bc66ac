package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/loom-data/loom/engine/internal/domain"
)

// Delta modes.
const (
	DeltaNone      = "none"
	DeltaTimestamp = "timestamp"
	DeltaVersion   = "version"
	DeltaHash      = "hash"
	DeltaCDC       = "cdc"
)

// Quality rule types.
const (
	RuleRowCountMin  = "row_count_min"
	RuleNullRatioMax = "null_ratio_max"
	RuleUnique       = "unique"
)

// DeltaConfig selects how a batch is reduced against the last sync state.
type DeltaConfig struct {
	Mode            string   `json:"mode,omitempty"`
	TrackColumn     string   `json:"trackColumn,omitempty"`
	HashColumns     []string `json:"hashColumns,omitempty"`
	FullEnumeration bool     `json:"fullEnumeration,omitempty"`
}

// QualityRule is one configured data quality check. Severity "fail"
// aborts the import when the rule does not pass; anything else records a
// warning metric.
type QualityRule struct {
	Type     string  `json:"type"`
	Field    string  `json:"field,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Severity string  `json:"severity,omitempty"`
}

// SourceConfig is the ingestion-relevant part of a data source's config
// JSON. Provider-specific settings are parsed by each provider.
type SourceConfig struct {
	PrimaryKey       string            `json:"primaryKey,omitempty"`
	DeduplicationKey string            `json:"deduplicationKey,omitempty"`
	Strict           bool              `json:"strict,omitempty"`
	FieldMappings    map[string]string `json:"fieldMappings,omitempty"`
	DropFields       []string          `json:"dropFields,omitempty"`
	Delta            DeltaConfig       `json:"delta,omitempty"`
	QualityRules     []QualityRule     `json:"qualityRules,omitempty"`
}

// ParseSourceConfig reads the shared ingestion settings from a data
// source's config blob.
func ParseSourceConfig(ds *domain.DataSource) (*SourceConfig, error) {
	cfg := &SourceConfig{}
	if len(ds.Config) > 0 {
		if err := json.Unmarshal(ds.Config, cfg); err != nil {
			return nil, fmt.Errorf("parse data source config: %w", err)
		}
	}
	if cfg.Delta.Mode == "" {
		cfg.Delta.Mode = DeltaNone
	}
	switch cfg.Delta.Mode {
	case DeltaNone, DeltaHash, DeltaCDC:
	case DeltaTimestamp, DeltaVersion:
		if cfg.Delta.TrackColumn == "" {
			return nil, fmt.Errorf("missing required field: delta mode %q needs trackColumn", cfg.Delta.Mode)
		}
	default:
		return nil, fmt.Errorf("parse data source config: unknown delta mode %q", cfg.Delta.Mode)
	}
	for _, r := range cfg.QualityRules {
		switch r.Type {
		case RuleRowCountMin, RuleNullRatioMax, RuleUnique:
		default:
			return nil, fmt.Errorf("parse data source config: unknown quality rule %q", r.Type)
		}
	}
	return cfg, nil
}
