// Package quota enforces engine-wide import and resource limits.
//
// Limits are checked at API boundaries and inside the ingestion engine
// before resource-heavy work starts, so oversized imports fail fast with
// an actionable fault instead of exhausting memory mid-append.
package quota

import (
	"github.com/loom-data/loom/engine/internal/fault"
)

// Default limits.
const (
	DefaultMaxImportRecords     = 500_000
	DefaultMaxImportBytes       = 100 << 20 // 100 MiB
	DefaultMaxConcurrentBulkOps = 4
)

// Enforcer checks whether an operation is within the configured limits.
// Implementations must be safe for concurrent use.
type Enforcer interface {
	// CheckImport validates an incoming batch's record count and payload
	// size before ingestion proceeds.
	CheckImport(recordCount int, payloadBytes int64) error

	// CheckVersionCount validates that appending one more version to a
	// source stays within the per-source cap (0 = unlimited).
	CheckVersionCount(current int64) error

	// CheckBulkConcurrency validates that starting another bulk operation
	// stays within the concurrency cap.
	CheckBulkConcurrency(active int) error
}

// Limits holds the configurable caps. Zero values fall back to defaults
// (except MaxVersionsPerSource, where zero means unlimited).
type Limits struct {
	MaxImportRecords     int
	MaxImportBytes       int64
	MaxVersionsPerSource int64
	MaxConcurrentBulkOps int
}

// LimitsEnforcer enforces a static Limits set from config.
type LimitsEnforcer struct {
	limits Limits
}

// NewLimitsEnforcer creates an enforcer, filling in defaults for unset
// caps.
func NewLimitsEnforcer(l Limits) *LimitsEnforcer {
	if l.MaxImportRecords <= 0 {
		l.MaxImportRecords = DefaultMaxImportRecords
	}
	if l.MaxImportBytes <= 0 {
		l.MaxImportBytes = DefaultMaxImportBytes
	}
	if l.MaxConcurrentBulkOps <= 0 {
		l.MaxConcurrentBulkOps = DefaultMaxConcurrentBulkOps
	}
	return &LimitsEnforcer{limits: l}
}

func (e *LimitsEnforcer) CheckImport(recordCount int, payloadBytes int64) error {
	if recordCount > e.limits.MaxImportRecords {
		return fault.Newf(fault.CodeInsufficientMemory,
			"import of %d records exceeds the limit of %d", recordCount, e.limits.MaxImportRecords)
	}
	if payloadBytes > e.limits.MaxImportBytes {
		return fault.Newf(fault.CodeInsufficientMemory,
			"import payload of %d bytes exceeds the limit of %d", payloadBytes, e.limits.MaxImportBytes)
	}
	return nil
}

func (e *LimitsEnforcer) CheckVersionCount(current int64) error {
	if e.limits.MaxVersionsPerSource > 0 && current >= e.limits.MaxVersionsPerSource {
		f := fault.Newf(fault.CodeDiskSpaceLow,
			"source already holds %d versions, the limit is %d", current, e.limits.MaxVersionsPerSource)
		f.Suggestions = append(f.Suggestions,
			"configure a retention policy with autoCleanup to prune old versions")
		return f
	}
	return nil
}

func (e *LimitsEnforcer) CheckBulkConcurrency(active int) error {
	if active >= e.limits.MaxConcurrentBulkOps {
		return fault.Newf(fault.CodeAPIRateLimit,
			"%d bulk operations already running, the limit is %d", active, e.limits.MaxConcurrentBulkOps)
	}
	return nil
}

// NoopEnforcer allows everything. Used in tests.
type NoopEnforcer struct{}

// NewNoopEnforcer creates a no-op enforcer.
func NewNoopEnforcer() *NoopEnforcer {
	return &NoopEnforcer{}
}

func (*NoopEnforcer) CheckImport(int, int64) error     { return nil }
func (*NoopEnforcer) CheckVersionCount(int64) error    { return nil }
func (*NoopEnforcer) CheckBulkConcurrency(int) error   { return nil }
