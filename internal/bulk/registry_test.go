package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeApplier fails the entity IDs listed in failing and records calls.
type fakeApplier struct {
	mu        sync.Mutex
	applied   []string
	validated []string
	failing   map[string]bool
	inFlight  int
	peak      int
	hold      time.Duration
}

func (a *fakeApplier) Apply(ctx context.Context, _, _, entityID string) error {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.peak {
		a.peak = a.inFlight
	}
	a.applied = append(a.applied, entityID)
	a.mu.Unlock()

	if a.hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(a.hold):
		}
	}

	a.mu.Lock()
	a.inFlight--
	fail := a.failing[entityID]
	a.mu.Unlock()
	if fail {
		return fmt.Errorf("apply %s: boom", entityID)
	}
	return nil
}

func (a *fakeApplier) Validate(_ context.Context, _, _, entityID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validated = append(a.validated, entityID)
	if a.failing[entityID] {
		return fmt.Errorf("validate %s: not found", entityID)
	}
	return nil
}

func (a *fakeApplier) appliedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func submitOp(t *testing.T, r *Registry, ids []string, opts Options) *Operation {
	t.Helper()
	op, err := r.Submit(Definition{
		EntityType:    EntityDataSource,
		OperationType: OpIngest,
		EntityIDs:     ids,
		Options:       opts,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, op.Status)
	return op
}

func TestSubmitValidation(t *testing.T) {
	r := NewRegistry(&fakeApplier{}, testLogger())

	_, err := r.Submit(Definition{EntityType: "cluster", OperationType: OpIngest, EntityIDs: []string{"a"}})
	require.Error(t, err)

	_, err = r.Submit(Definition{EntityType: EntityJob, OperationType: "reindex", EntityIDs: []string{"a"}})
	require.Error(t, err)

	_, err = r.Submit(Definition{EntityType: EntityJob, OperationType: OpEnable})
	require.Error(t, err)

	op, err := r.Submit(Definition{EntityType: EntityJob, OperationType: OpEnable, EntityIDs: []string{"a"}})
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, 1, op.Progress.Total)
}

func TestExecuteAllSucceed(t *testing.T) {
	applier := &fakeApplier{}
	r := NewRegistry(applier, testLogger())
	op := submitOp(t, r, []string{"a", "b", "c"}, Options{})

	done, err := r.Execute(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 3, done.Progress.Completed)
	assert.InDelta(t, 100.0, done.Progress.Percentage, 0.01)
	require.Len(t, done.Results, 3)
	for _, result := range done.Results {
		assert.Equal(t, "success", result.Status)
	}
	assert.Equal(t, 3, applier.appliedCount())
	require.NotNil(t, done.CompletedAt)
}

func TestExecutePartialOnFailure(t *testing.T) {
	applier := &fakeApplier{failing: map[string]bool{"b": true}}
	r := NewRegistry(applier, testLogger())
	op := submitOp(t, r, []string{"a", "b", "c"}, Options{})

	done, err := r.Execute(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, done.Status, "continue-on-error is the default")
	assert.Equal(t, 3, applier.appliedCount(), "remaining items still run")

	byID := map[string]ItemResult{}
	for _, result := range done.Results {
		byID[result.EntityID] = result
	}
	assert.Equal(t, "failed", byID["b"].Status)
	assert.Contains(t, byID["b"].Error, "boom")
	assert.Equal(t, "success", byID["a"].Status)
}

func TestExecuteAllFail(t *testing.T) {
	applier := &fakeApplier{failing: map[string]bool{"a": true, "b": true}}
	r := NewRegistry(applier, testLogger())
	op := submitOp(t, r, []string{"a", "b"}, Options{})

	done, err := r.Execute(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
}

func TestExecuteStopOnFirstFailure(t *testing.T) {
	no := false
	applier := &fakeApplier{failing: map[string]bool{"a": true}}
	r := NewRegistry(applier, testLogger())
	// MaxConcurrent 1 makes the abort order deterministic.
	op := submitOp(t, r, []string{"a", "b", "c"}, Options{ContinueOnError: &no, MaxConcurrent: 1})

	done, err := r.Execute(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.NotEmpty(t, done.Error)
	assert.Equal(t, 1, applier.appliedCount(), "failure aborts the remaining items")
}

func TestExecuteDryRunHasNoSideEffects(t *testing.T) {
	applier := &fakeApplier{failing: map[string]bool{"missing": true}}
	r := NewRegistry(applier, testLogger())
	op := submitOp(t, r, []string{"a", "missing"}, Options{DryRun: true})

	done, err := r.Execute(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, done.Status)
	assert.Zero(t, applier.appliedCount(), "dry run never applies")
	assert.Len(t, applier.validated, 2)
}

func TestExecuteRespectsConcurrencyLimit(t *testing.T) {
	applier := &fakeApplier{hold: 10 * time.Millisecond}
	r := NewRegistry(applier, testLogger())
	op := submitOp(t, r, []string{"a", "b", "c", "d", "e", "f"}, Options{MaxConcurrent: 2})

	_, err := r.Execute(context.Background(), op.ID)
	require.NoError(t, err)
	applier.mu.Lock()
	defer applier.mu.Unlock()
	assert.LessOrEqual(t, applier.peak, 2)
}

func TestExecuteRejectsNonPending(t *testing.T) {
	r := NewRegistry(&fakeApplier{}, testLogger())
	op := submitOp(t, r, []string{"a"}, Options{})

	_, err := r.Execute(context.Background(), op.ID)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), op.ID)
	require.Error(t, err, "terminal operations cannot be re-run")

	_, err = r.Execute(context.Background(), "bulk_missing")
	require.Error(t, err)
}

func TestCancelRunningOperation(t *testing.T) {
	applier := &fakeApplier{hold: 50 * time.Millisecond}
	r := NewRegistry(applier, testLogger())
	op := submitOp(t, r, []string{"a", "b", "c", "d"}, Options{MaxConcurrent: 1})

	type result struct {
		op  *Operation
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		done, err := r.Execute(context.Background(), op.ID)
		resultCh <- result{done, err}
	}()

	require.Eventually(t, func() bool {
		return applier.appliedCount() >= 1
	}, time.Second, time.Millisecond)
	require.NoError(t, r.Cancel(op.ID))

	res := <-resultCh
	require.NoError(t, res.err)
	assert.Equal(t, StatusCancelled, res.op.Status)
	assert.Less(t, applier.appliedCount(), 4, "queued items are skipped after cancel")

	require.Error(t, r.Cancel(op.ID), "cancel of a finished operation errors")
	require.Error(t, r.Cancel("bulk_missing"))
}

func TestListAndClearCompleted(t *testing.T) {
	r := NewRegistry(&fakeApplier{}, testLogger())
	first := submitOp(t, r, []string{"a"}, Options{})
	second := submitOp(t, r, []string{"b"}, Options{})

	_, err := r.Execute(context.Background(), first.ID)
	require.NoError(t, err)

	ops := r.List()
	require.Len(t, ops, 2)

	removed := r.ClearCompleted()
	assert.Equal(t, 1, removed)
	assert.Nil(t, r.Get(first.ID))
	require.NotNil(t, r.Get(second.ID), "pending operations survive the sweep")
}
