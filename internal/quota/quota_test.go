package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/fault"
)

func TestLimitsEnforcer_Defaults(t *testing.T) {
	e := NewLimitsEnforcer(Limits{})

	assert.NoError(t, e.CheckImport(DefaultMaxImportRecords, DefaultMaxImportBytes))
	assert.Error(t, e.CheckImport(DefaultMaxImportRecords+1, 0))
	assert.Error(t, e.CheckImport(0, DefaultMaxImportBytes+1))
	// Zero means unlimited versions.
	assert.NoError(t, e.CheckVersionCount(1_000_000))
}

func TestLimitsEnforcer_ImportRecordCap(t *testing.T) {
	e := NewLimitsEnforcer(Limits{MaxImportRecords: 10})

	assert.NoError(t, e.CheckImport(10, 0))
	err := e.CheckImport(11, 0)
	require.Error(t, err)
	assert.Equal(t, fault.CodeInsufficientMemory, fault.Classify(err).Code)
}

func TestLimitsEnforcer_VersionCapSuggestsRetention(t *testing.T) {
	e := NewLimitsEnforcer(Limits{MaxVersionsPerSource: 5})

	assert.NoError(t, e.CheckVersionCount(4))
	err := e.CheckVersionCount(5)
	require.Error(t, err)
	f := fault.Classify(err)
	assert.Equal(t, fault.CodeDiskSpaceLow, f.Code)
	assert.Contains(t, f.Suggestions[len(f.Suggestions)-1], "retention")
}

func TestLimitsEnforcer_BulkConcurrencyCap(t *testing.T) {
	e := NewLimitsEnforcer(Limits{MaxConcurrentBulkOps: 2})

	assert.NoError(t, e.CheckBulkConcurrency(1))
	err := e.CheckBulkConcurrency(2)
	require.Error(t, err)
	assert.Equal(t, fault.CodeAPIRateLimit, fault.Classify(err).Code)
}

func TestNoopEnforcer_AllowsEverything(t *testing.T) {
	e := NewNoopEnforcer()

	assert.NoError(t, e.CheckImport(1<<30, 1<<40))
	assert.NoError(t, e.CheckVersionCount(1<<40))
	assert.NoError(t, e.CheckBulkConcurrency(1<<20))
}
