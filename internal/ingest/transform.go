package ingest

import (
	"fmt"

	"github.com/loom-data/loom/engine/internal/domain"
)

// validate checks batch shape: all records must share the first record's
// key set. Mismatches are warnings; in strict mode they reject the batch.
func validate(records []domain.Record, strict bool) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	expected := make(map[string]bool, len(records[0]))
	for name := range records[0] {
		expected[name] = true
	}

	var warnings []string
	for i, rec := range records[1:] {
		if len(rec) != len(expected) {
			warnings = append(warnings, fmt.Sprintf("record %d has %d fields, expected %d", i+1, len(rec), len(expected)))
			continue
		}
		for name := range rec {
			if !expected[name] {
				warnings = append(warnings, fmt.Sprintf("record %d has unexpected field %q", i+1, name))
				break
			}
		}
	}

	if strict && len(warnings) > 0 {
		return warnings, fmt.Errorf("schema mismatch: %d records deviate from the first record's fields", len(warnings))
	}
	return warnings, nil
}

// transform applies field mappings and drops, then deduplicates by the
// configured key (later occurrences win, original order of first
// occurrence kept).
func transform(cfg *SourceConfig, records []domain.Record) []domain.Record {
	if len(cfg.FieldMappings) > 0 || len(cfg.DropFields) > 0 {
		drops := make(map[string]bool, len(cfg.DropFields))
		for _, name := range cfg.DropFields {
			drops[name] = true
		}
		mapped := make([]domain.Record, len(records))
		for i, rec := range records {
			out := make(domain.Record, len(rec))
			for name, value := range rec {
				if drops[name] {
					continue
				}
				if renamed, ok := cfg.FieldMappings[name]; ok {
					name = renamed
				}
				out[name] = value
			}
			mapped[i] = out
		}
		records = mapped
	}

	if cfg.DeduplicationKey == "" {
		return records
	}
	index := make(map[string]int, len(records))
	var deduped []domain.Record
	for _, rec := range records {
		key := fmt.Sprint(rec[cfg.DeduplicationKey])
		if i, ok := index[key]; ok {
			deduped[i] = rec
		} else {
			index[key] = len(deduped)
			deduped = append(deduped, rec)
		}
	}
	return deduped
}
