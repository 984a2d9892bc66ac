package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loom-data/loom/engine/internal/diff"
	"github.com/loom-data/loom/engine/internal/domain"
)

// applyFilter keeps records where the configured comparison holds.
func applyFilter(cfg filterConfig, records []domain.Record) ([]domain.Record, error) {
	if cfg.Field == "" || cfg.Op == "" {
		return nil, fmt.Errorf("filter: missing required field or op")
	}
	var result []domain.Record
	for _, rec := range records {
		keep, err := compare(cfg.Op, rec[cfg.Field], cfg.Value)
		if err != nil {
			return nil, err
		}
		if keep {
			result = append(result, rec)
		}
	}
	return result, nil
}

// compare evaluates one field comparison. Numeric operands compare as
// numbers; everything else falls back to string comparison.
func compare(op string, got, want any) (bool, error) {
	switch op {
	case "eq":
		return valueText(got) == valueText(want), nil
	case "neq":
		return valueText(got) != valueText(want), nil
	case "contains":
		return strings.Contains(valueText(got), valueText(want)), nil
	case "gt", "gte", "lt", "lte":
		c := orderValues(got, want)
		switch op {
		case "gt":
			return c > 0, nil
		case "gte":
			return c >= 0, nil
		case "lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	default:
		return false, fmt.Errorf("filter: unsupported feature: operator %q", op)
	}
}

// valueText renders a record value for equality and contains checks.
func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", t), ".0")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// orderValues compares two values numerically when both parse, otherwise
// lexicographically.
func orderValues(a, b any) int {
	as, bs := valueText(a), valueText(b)
	an, errA := json.Number(as).Float64()
	bn, errB := json.Number(bs).Float64()
	if errA == nil && errB == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(as, bs)
}

// applyMap renames then drops fields on every record.
func applyMap(cfg mapConfig, records []domain.Record) []domain.Record {
	result := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		out := make(domain.Record, len(rec))
		for k, v := range rec {
			if to, ok := cfg.Renames[k]; ok {
				out[to] = v
				continue
			}
			out[k] = v
		}
		for _, field := range cfg.Drops {
			delete(out, field)
		}
		result = append(result, out)
	}
	return result
}

// applySort orders records by one field; missing values sort first.
func applySort(cfg sortConfig, records []domain.Record) ([]domain.Record, error) {
	if cfg.Field == "" {
		return nil, fmt.Errorf("sort: missing required field")
	}
	result := append([]domain.Record{}, records...)
	desc := cfg.Order == "desc"
	sort.SliceStable(result, func(i, j int) bool {
		c := orderValues(result[i][cfg.Field], result[j][cfg.Field])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return result, nil
}

// applyAggregate groups records by the groupBy fields and computes one
// output record per group, preserving first-seen group order.
func applyAggregate(cfg aggregateConfig, records []domain.Record) ([]domain.Record, error) {
	if len(cfg.Aggregations) == 0 {
		return nil, fmt.Errorf("aggregate: missing required field aggregations")
	}
	for _, agg := range cfg.Aggregations {
		switch agg.Op {
		case "sum", "count", "min", "max", "avg":
		default:
			return nil, fmt.Errorf("aggregate: unsupported feature: op %q", agg.Op)
		}
		if agg.As == "" {
			return nil, fmt.Errorf("aggregate: missing required field as")
		}
	}

	var order []string
	groups := make(map[string][]domain.Record)
	for _, rec := range records {
		var parts []string
		for _, field := range cfg.GroupBy {
			parts = append(parts, valueText(rec[field]))
		}
		key := strings.Join(parts, "\x1f")
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	var result []domain.Record
	for _, key := range order {
		group := groups[key]
		out := domain.Record{}
		for _, field := range cfg.GroupBy {
			out[field] = group[0][field]
		}
		for _, agg := range cfg.Aggregations {
			v, err := aggregate(agg, group)
			if err != nil {
				return nil, err
			}
			out[agg.As] = v
		}
		result = append(result, out)
	}
	return result, nil
}

func aggregate(agg aggregation, group []domain.Record) (any, error) {
	if agg.Op == "count" {
		return json.Number(fmt.Sprintf("%d", len(group))), nil
	}

	var (
		sum      float64
		min, max float64
		n        int
	)
	for _, rec := range group {
		raw, ok := rec[agg.Field]
		if !ok || raw == nil {
			continue
		}
		f, err := json.Number(valueText(raw)).Float64()
		if err != nil {
			return nil, fmt.Errorf("aggregate: field %q is not numeric", agg.Field)
		}
		if n == 0 {
			min, max = f, f
		}
		sum += f
		if f < min {
			min = f
		}
		if f > max {
			max = f
		}
		n++
	}
	if n == 0 {
		return nil, nil
	}

	var out float64
	switch agg.Op {
	case "sum":
		out = sum
	case "min":
		out = min
	case "max":
		out = max
	case "avg":
		out = sum / float64(n)
	}
	return json.Number(formatNumber(out)), nil
}

// formatNumber renders an aggregate result without float noise.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// recordKey builds the join key for merge and diff nodes.
func recordKey(rec domain.Record, fields []string) string {
	var parts []string
	for _, field := range fields {
		parts = append(parts, valueText(rec[field]))
	}
	return strings.Join(parts, "\x1f")
}

// sameRecord reports canonical equality of two records.
func sameRecord(a, b domain.Record) bool {
	ca, errA := diff.Canonical(a)
	cb, errB := diff.Canonical(b)
	return errA == nil && errB == nil && ca == cb
}
