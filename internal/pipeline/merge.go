package pipeline

import (
	"fmt"

	"github.com/loom-data/loom/engine/internal/domain"
)

// applyMerge joins two or more inputs on the join keys. The first input
// is the left side; additional inputs fold in pairwise.
func applyMerge(cfg mergeConfig, inputs [][]domain.Record) ([]domain.Record, error) {
	if len(cfg.JoinKeys) == 0 {
		return nil, fmt.Errorf("merge: missing required field joinKeys")
	}
	if len(inputs) < 2 {
		return nil, fmt.Errorf("merge: needs at least two inputs, got %d", len(inputs))
	}
	joinType := cfg.JoinType
	if joinType == "" {
		joinType = "inner"
	}
	switch joinType {
	case "inner", "left", "outer":
	default:
		return nil, fmt.Errorf("merge: unsupported feature: join type %q", joinType)
	}
	preferRight := cfg.Conflict == "prefer-right"

	result := inputs[0]
	for _, right := range inputs[1:] {
		result = joinPair(result, right, cfg.JoinKeys, joinType, preferRight)
	}
	return result, nil
}

func joinPair(left, right []domain.Record, keys []string, joinType string, preferRight bool) []domain.Record {
	rightByKey := make(map[string]domain.Record, len(right))
	var rightOrder []string
	for _, rec := range right {
		key := recordKey(rec, keys)
		if _, seen := rightByKey[key]; !seen {
			rightOrder = append(rightOrder, key)
		}
		rightByKey[key] = rec
	}

	matched := make(map[string]bool)
	var result []domain.Record
	for _, l := range left {
		key := recordKey(l, keys)
		r, ok := rightByKey[key]
		if !ok {
			if joinType == "left" || joinType == "outer" {
				result = append(result, l)
			}
			continue
		}
		matched[key] = true
		result = append(result, combine(l, r, preferRight))
	}
	if joinType == "outer" {
		for _, key := range rightOrder {
			if !matched[key] {
				result = append(result, rightByKey[key])
			}
		}
	}
	return result
}

// combine overlays two matched records; conflicts resolve per config.
func combine(left, right domain.Record, preferRight bool) domain.Record {
	out := make(domain.Record, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		if _, exists := out[k]; exists && !preferRight {
			continue
		}
		out[k] = v
	}
	return out
}

// applyDiff compares exactly two inputs by key column and emits records
// tagged with a _change marker.
func applyDiff(cfg diffConfig, inputs [][]domain.Record) ([]domain.Record, error) {
	if cfg.KeyColumn == "" {
		return nil, fmt.Errorf("diff: missing required field keyColumn")
	}
	if len(inputs) != 2 {
		return nil, fmt.Errorf("diff: needs exactly two inputs, got %d", len(inputs))
	}
	before, after := inputs[0], inputs[1]
	keys := []string{cfg.KeyColumn}

	beforeByKey := make(map[string]domain.Record, len(before))
	for _, rec := range before {
		beforeByKey[recordKey(rec, keys)] = rec
	}

	var result []domain.Record
	seen := make(map[string]bool)
	for _, rec := range after {
		key := recordKey(rec, keys)
		seen[key] = true
		old, existed := beforeByKey[key]
		switch {
		case !existed:
			result = append(result, tagged(rec, "added"))
		case !sameRecord(old, rec):
			result = append(result, tagged(rec, "modified"))
		}
	}
	for _, rec := range before {
		if !seen[recordKey(rec, keys)] {
			result = append(result, tagged(rec, "removed"))
		}
	}
	return result, nil
}

func tagged(rec domain.Record, change string) domain.Record {
	out := make(domain.Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["_change"] = change
	return out
}
