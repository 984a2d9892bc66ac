package ingest

import (
	"fmt"

	"github.com/loom-data/loom/engine/internal/diff"
	"github.com/loom-data/loom/engine/internal/domain"
)

// EvaluateQuality runs the configured rules against a record batch. It
// returns one metric per rule plus whether any fail-severity rule failed
// (which aborts the import). VersionID on the metrics is filled in by the
// caller after the version is appended.
func EvaluateQuality(records []domain.Record, rules []QualityRule) (metrics []domain.QualityMetric, failed bool) {
	for _, rule := range rules {
		m := evaluateRule(records, rule)
		if m.Status == domain.QualityFail {
			failed = true
		}
		metrics = append(metrics, m)
	}
	return metrics, failed
}

func evaluateRule(records []domain.Record, rule QualityRule) domain.QualityMetric {
	switch rule.Type {
	case RuleRowCountMin:
		return grade(rule, "row_count", float64(len(records)),
			float64(len(records)) >= rule.Value,
			fmt.Sprintf("%d rows, minimum %d", len(records), int(rule.Value)))

	case RuleNullRatioMax:
		nulls := 0
		for _, rec := range records {
			if v, ok := rec[rule.Field]; !ok || v == nil {
				nulls++
			}
		}
		ratio := 0.0
		if len(records) > 0 {
			ratio = float64(nulls) / float64(len(records))
		}
		return grade(rule, "null_ratio:"+rule.Field, ratio, ratio <= rule.Value,
			fmt.Sprintf("%d of %d rows null for %q", nulls, len(records), rule.Field))

	case RuleUnique:
		seen := make(map[string]bool, len(records))
		dupes := 0
		for _, rec := range records {
			v, ok := rec[rule.Field]
			if !ok || v == nil {
				continue
			}
			key, err := diff.Canonical(v)
			if err != nil {
				continue
			}
			if seen[key] {
				dupes++
			}
			seen[key] = true
		}
		return grade(rule, "duplicates:"+rule.Field, float64(dupes), dupes == 0,
			fmt.Sprintf("%d duplicate values for %q", dupes, rule.Field))
	}

	return grade(rule, rule.Type, 0, false, "unknown rule type")
}

// grade builds the metric row, mapping a violation to warn or fail per
// the rule's severity.
func grade(rule QualityRule, name string, value float64, pass bool, details string) domain.QualityMetric {
	status := domain.QualityPass
	if !pass {
		status = domain.QualityWarn
		if rule.Severity == "fail" {
			status = domain.QualityFail
		}
	}
	m := domain.QualityMetric{
		MetricName:  name,
		MetricValue: value,
		Status:      status,
	}
	if rule.Type == RuleRowCountMin || rule.Type == RuleNullRatioMax {
		t := rule.Value
		m.Threshold = &t
	}
	if !pass {
		m.Details = &details
	}
	return m
}
