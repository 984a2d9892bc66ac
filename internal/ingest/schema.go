package ingest

import (
	"encoding/json"
	"strings"

	"github.com/loom-data/loom/engine/internal/domain"
)

// InferSchema derives a field→type map from a record batch. A field is
// nullable when any record carries null for it or omits it entirely.
// Mixed integer/float widens to float; any other type mix falls back to
// string.
func InferSchema(records []domain.Record) domain.Schema {
	if len(records) == 0 {
		return domain.Schema{}
	}

	type fieldInfo struct {
		typ      string
		nullable bool
		seen     int
	}
	fields := make(map[string]*fieldInfo)

	for _, rec := range records {
		for name, value := range rec {
			info := fields[name]
			if info == nil {
				info = &fieldInfo{}
				fields[name] = info
			}
			info.seen++

			t := valueType(value)
			if t == "null" {
				info.nullable = true
				continue
			}
			switch {
			case info.typ == "" || info.typ == t:
				info.typ = t
			case (info.typ == "integer" && t == "float") || (info.typ == "float" && t == "integer"):
				info.typ = "float"
			default:
				info.typ = "string"
			}
		}
	}

	schema := make(domain.Schema, len(fields))
	for name, info := range fields {
		typ := info.typ
		if typ == "" {
			typ = "null"
		}
		schema[name] = domain.SchemaField{
			Type:     typ,
			Nullable: info.nullable || info.seen < len(records),
		}
	}
	return schema
}

// valueType names the schema type of one decoded JSON value.
func valueType(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number:
		if !strings.ContainsAny(n.String(), ".eE") {
			return "integer"
		}
		return "float"
	case float64:
		if n == float64(int64(n)) {
			return "integer"
		}
		return "float"
	case int, int64:
		return "integer"
	case map[string]any, domain.Record:
		return "object"
	case []any:
		return "array"
	default:
		return "string"
	}
}
