package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
)

func TestProjectStoreCRUD(t *testing.T) {
	db := openTestDB(t)
	store := NewProjectStore(db)
	ctx := context.Background()

	p := &domain.Project{Name: "warehouse", Description: "main workspace", DataPath: "/tmp/warehouse"}
	require.NoError(t, store.CreateProject(ctx, p))
	require.NotEmpty(t, p.ID)

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "warehouse", got.Name)
	assert.Equal(t, "main workspace", got.Description)
	assert.False(t, got.CreatedAt.IsZero())

	// Duplicate name conflicts.
	err = store.CreateProject(ctx, &domain.Project{Name: "warehouse", DataPath: "/tmp/other"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	// Partial update leaves the untouched field alone.
	updated, err := store.UpdateProject(ctx, p.ID, ptr("warehouse-v2"), nil)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "warehouse-v2", updated.Name)
	assert.Equal(t, "main workspace", updated.Description)

	missing, err := store.UpdateProject(ctx, "nope", ptr("x"), nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.DeleteProject(ctx, p.ID))
	gone, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestDataSourceStoreSyncState(t *testing.T) {
	db := openTestDB(t)
	projects := NewProjectStore(db)
	store := NewDataSourceStore(db)
	ctx := context.Background()

	p := &domain.Project{Name: "proj", DataPath: "/tmp/proj"}
	require.NoError(t, projects.CreateProject(ctx, p))

	ds := &domain.DataSource{
		ProjectID: p.ID,
		Name:      "orders",
		Provider:  domain.ProviderAPI,
		Config:    json.RawMessage(`{"url":"http://localhost:9999/orders"}`),
		Enabled:   true,
	}
	require.NoError(t, store.CreateDataSource(ctx, ds))
	assert.Contains(t, ds.ID, "ds_")
	assert.Equal(t, domain.DataSourceActive, ds.Status)

	syncedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.UpdateSyncState(ctx, ds.ID, syncedAt, ptr("2026-08-25T00:00:00Z"), domain.DataSourceActive))

	got, err := store.GetDataSource(ctx, ds.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(syncedAt))
	require.NotNil(t, got.LastSyncValue)
	assert.Equal(t, "2026-08-25T00:00:00Z", *got.LastSyncValue)

	// A nil watermark keeps the previous one.
	require.NoError(t, store.UpdateSyncState(ctx, ds.ID, syncedAt.Add(time.Minute), nil, domain.DataSourceError))
	got, err = store.GetDataSource(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DataSourceError, got.Status)
	require.NotNil(t, got.LastSyncValue)
	assert.Equal(t, "2026-08-25T00:00:00Z", *got.LastSyncValue)

	// Deleting the project cascades to the data source.
	require.NoError(t, projects.DeleteProject(ctx, p.ID))
	gone, err := store.GetDataSource(ctx, ds.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestJobStoreScheduleRoundTrip(t *testing.T) {
	db := openTestDB(t)
	projects := NewProjectStore(db)
	store := NewJobStore(db)
	ctx := context.Background()

	p := &domain.Project{Name: "proj", DataPath: "/tmp/proj"}
	require.NoError(t, projects.CreateProject(ctx, p))

	j := &domain.Job{
		ProjectID:     p.ID,
		Name:          "nightly-sync",
		Kind:          domain.JobIngest,
		TargetID:      "ds_abc",
		Schedule:      &domain.JobSchedule{Cron: "0 3 * * *", Timezone: "Europe/Berlin"},
		TriggerEvents: []string{"import.completed"},
		Enabled:       true,
		MaxRetries:    2,
	}
	require.NoError(t, store.CreateJob(ctx, j))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, "0 3 * * *", got.Schedule.Cron)
	assert.Equal(t, "Europe/Berlin", got.Schedule.Timezone)
	assert.Equal(t, []string{"import.completed"}, got.TriggerEvents)

	enabled, err := store.ListEnabledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	// Disabling clears next_run_at and removes it from the enabled list.
	next := time.Now().Add(time.Hour)
	require.NoError(t, store.UpdateJobRun(ctx, j.ID, time.Now(), next))
	require.NoError(t, store.SetJobEnabled(ctx, j.ID, false))

	got, err = store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)

	enabled, err = store.ListEnabledJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestExecutionStoreLifecycle(t *testing.T) {
	db := openTestDB(t)
	projects := NewProjectStore(db)
	jobs := NewJobStore(db)
	store := NewExecutionStore(db)
	ctx := context.Background()

	p := &domain.Project{Name: "proj", DataPath: "/tmp/proj"}
	require.NoError(t, projects.CreateProject(ctx, p))
	j := &domain.Job{ProjectID: p.ID, Name: "sync", Kind: domain.JobIngest, TargetID: "ds_x", Enabled: true}
	require.NoError(t, jobs.CreateJob(ctx, j))

	e := &domain.Execution{JobID: &j.ID, Kind: domain.JobIngest, TargetID: "ds_x", Trigger: "cron:* * * * *"}
	require.NoError(t, store.CreateExecution(ctx, e))
	assert.Equal(t, domain.ExecutionQueued, e.Status)

	active, err := store.CountActive(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	require.NoError(t, store.MarkRunning(ctx, e.ID))
	got, err := store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	stats := json.RawMessage(`{"records":42}`)
	require.NoError(t, store.MarkFinished(ctx, e.ID, domain.ExecutionCompleted, "", stats))
	got, err = store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"records":42}`, string(got.Stats))

	active, err = store.CountActive(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	listed, err := store.ListExecutions(ctx, ExecutionFilter{JobID: j.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	purged, err := store.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestWebhookStoreDueDeliveries(t *testing.T) {
	db := openTestDB(t)
	store := NewWebhookStore(db)
	ctx := context.Background()

	cfg := &domain.WebhookConfig{
		Name:    "ops-slack",
		Type:    domain.WebhookSlack,
		URL:     "http://localhost:9999/hook",
		Secret:  "s3cret",
		Events:  []string{"pipeline.failed", "import.failed"},
		Enabled: true,
	}
	require.NoError(t, store.CreateWebhookConfig(ctx, cfg))

	matched, err := store.ListEnabledConfigsForEvent(ctx, "pipeline.failed")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "s3cret", matched[0].Secret)

	unmatched, err := store.ListEnabledConfigsForEvent(ctx, "pipeline.completed")
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	now := time.Now().UTC().Truncate(time.Microsecond)
	d := &domain.WebhookDelivery{
		ConfigID:      cfg.ID,
		EventType:     "pipeline.failed",
		Payload:       json.RawMessage(`{"pipeline_id":"p1"}`),
		NextAttemptAt: &now,
	}
	require.NoError(t, store.CreateDelivery(ctx, d))
	assert.Equal(t, domain.DeliveryPending, d.Status)

	due, err := store.ListDueDeliveries(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, d.ID, due[0].ID)

	// A retry scheduled in the future is not due yet.
	later := now.Add(2 * time.Minute)
	d.Status = domain.DeliveryRetry
	d.Attempts = 1
	d.NextAttemptAt = &later
	require.NoError(t, store.UpdateDelivery(ctx, d))

	due, err = store.ListDueDeliveries(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ListDueDeliveries(ctx, later.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
}
