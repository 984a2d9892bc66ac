package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memWebhookStore backs both dispatcher and sender in tests.
type memWebhookStore struct {
	mu         sync.Mutex
	configs    map[string]*domain.WebhookConfig
	deliveries map[string]*domain.WebhookDelivery
	seq        int
}

func newMemWebhookStore(configs ...*domain.WebhookConfig) *memWebhookStore {
	s := &memWebhookStore{
		configs:    make(map[string]*domain.WebhookConfig),
		deliveries: make(map[string]*domain.WebhookDelivery),
	}
	for _, c := range configs {
		copied := *c
		s.configs[c.ID] = &copied
	}
	return s
}

func (s *memWebhookStore) ListEnabledConfigsForEvent(_ context.Context, eventType string) ([]domain.WebhookConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.WebhookConfig
	for _, c := range s.configs {
		if !c.Enabled {
			continue
		}
		for _, e := range c.Events {
			if e == eventType {
				result = append(result, *c)
				break
			}
		}
	}
	return result, nil
}

func (s *memWebhookStore) GetWebhookConfig(_ context.Context, id string) (*domain.WebhookConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (s *memWebhookStore) CreateDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	d.ID = "del-" + time.Now().Format("150405") + "-" + string(rune('a'+s.seq))
	d.CreatedAt = time.Now()
	copied := *d
	s.deliveries[d.ID] = &copied
	return nil
}

func (s *memWebhookStore) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.Status != domain.DeliveryPending && d.Status != domain.DeliveryRetry {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		result = append(result, *d)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *memWebhookStore) UpdateDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.deliveries[d.ID] = &copied
	return nil
}

func (s *memWebhookStore) all() []domain.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.WebhookDelivery
	for _, d := range s.deliveries {
		result = append(result, *d)
	}
	return result
}

func config(id string, projectID *string, eventTypes ...string) *domain.WebhookConfig {
	return &domain.WebhookConfig{
		ID:        id,
		ProjectID: projectID,
		Name:      id,
		Type:      domain.WebhookGeneric,
		URL:       "http://example.invalid/hook",
		Events:    eventTypes,
		Enabled:   true,
	}
}

func pipelineEvent(projectID string) events.Event {
	payload, _ := json.Marshal(events.PipelinePayload{
		ExecutionID: "exec-1",
		PipelineID:  "pl_1",
		ProjectID:   projectID,
		Status:      "failed",
		Error:       "boom",
	})
	return events.Event{Channel: events.ChannelPipelineFailure, Payload: payload}
}

func TestDispatchPersistsMatchedDeliveries(t *testing.T) {
	projA := "proj-a"
	store := newMemWebhookStore(
		config("wh-global", nil, events.ChannelPipelineFailure),
		config("wh-a", &projA, events.ChannelPipelineFailure),
		config("wh-other-event", nil, events.ChannelIngestSuccess),
	)
	d := NewDispatcher(store, events.NewMemoryBus(), testLogger())

	d.Dispatch(context.Background(), pipelineEvent("proj-a"))

	deliveries := store.all()
	require.Len(t, deliveries, 2, "unsubscribed configs never match")
	for _, delivery := range deliveries {
		assert.Equal(t, domain.DeliveryPending, delivery.Status)
		assert.Equal(t, events.ChannelPipelineFailure, delivery.EventType)
		assert.Zero(t, delivery.Attempts)
	}
}

func TestDispatchScopeFiltersProject(t *testing.T) {
	projB := "proj-b"
	store := newMemWebhookStore(config("wh-b", &projB, events.ChannelPipelineFailure))
	d := NewDispatcher(store, events.NewMemoryBus(), testLogger())

	d.Dispatch(context.Background(), pipelineEvent("proj-a"))
	assert.Empty(t, store.all(), "scoped config ignores other projects")

	d.Dispatch(context.Background(), pipelineEvent("proj-b"))
	assert.Len(t, store.all(), 1)
}

func TestRenderPayloadShapes(t *testing.T) {
	event := pipelineEvent("proj-a")

	slack, err := renderPayload(domain.WebhookSlack, event)
	require.NoError(t, err)
	var slackBody map[string]string
	require.NoError(t, json.Unmarshal(slack, &slackBody))
	assert.Contains(t, slackBody["text"], "pipeline.failure")
	assert.Contains(t, slackBody["text"], "pl_1")
	assert.Contains(t, slackBody["text"], "boom")

	discord, err := renderPayload(domain.WebhookDiscord, event)
	require.NoError(t, err)
	var discordBody map[string]string
	require.NoError(t, json.Unmarshal(discord, &discordBody))
	assert.NotEmpty(t, discordBody["content"])

	generic, err := renderPayload(domain.WebhookGeneric, event)
	require.NoError(t, err)
	var genericBody struct {
		Event     string                `json:"event"`
		Timestamp string                `json:"timestamp"`
		Data      events.PipelinePayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(generic, &genericBody))
	assert.Equal(t, events.ChannelPipelineFailure, genericBody.Event)
	assert.Equal(t, "pl_1", genericBody.Data.PipelineID)
	assert.NotEmpty(t, genericBody.Timestamp)
}

func TestSenderDeliversAndSigns(t *testing.T) {
	var (
		mu        sync.Mutex
		gotSig    string
		gotBody   []byte
		gotHeader string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSig = r.Header.Get("X-Signature")
		gotHeader = r.Header.Get("X-Team")
		gotBody, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config("wh-1", nil, events.ChannelPipelineFailure)
	cfg.URL = server.URL
	cfg.Secret = "s3cret"
	cfg.Headers = map[string]string{"X-Team": "data"}
	store := newMemWebhookStore(cfg)

	delivery := &domain.WebhookDelivery{ConfigID: "wh-1", EventType: events.ChannelPipelineFailure,
		Payload: json.RawMessage(`{"text":"hello"}`), Status: domain.DeliveryPending}
	require.NoError(t, store.CreateDelivery(context.Background(), delivery))

	sender := NewSender(store, server.Client(), testLogger(), SenderConfig{})
	sender.Flush(context.Background())

	deliveries := store.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.DeliverySuccess, deliveries[0].Status)
	require.NotNil(t, deliveries[0].DeliveredAt)
	require.NotNil(t, deliveries[0].HTTPStatus)
	assert.Equal(t, http.StatusOK, *deliveries[0].HTTPStatus)
	assert.Equal(t, 1, deliveries[0].Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "data", gotHeader)
	assert.Equal(t, Sign("s3cret", gotBody), gotSig, "signature covers the raw body")
}

func TestSenderRetriesThenFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := config("wh-1", nil, events.ChannelPipelineFailure)
	cfg.URL = server.URL
	store := newMemWebhookStore(cfg)

	delivery := &domain.WebhookDelivery{ConfigID: "wh-1", EventType: events.ChannelPipelineFailure,
		Payload: json.RawMessage(`{}`), Status: domain.DeliveryPending}
	require.NoError(t, store.CreateDelivery(context.Background(), delivery))

	sender := NewSender(store, server.Client(), testLogger(), SenderConfig{MaxAttempts: 2})

	sender.Flush(context.Background())
	first := store.all()[0]
	assert.Equal(t, domain.DeliveryRetry, first.Status)
	assert.Equal(t, 1, first.Attempts)
	require.NotNil(t, first.NextAttemptAt)
	assert.True(t, first.NextAttemptAt.After(time.Now().Add(25*time.Second)), "first retry waits ~30s")

	// Force the retry due and flush again; attempts exhaust.
	store.mu.Lock()
	past := time.Now().Add(-time.Second)
	store.deliveries[first.ID].NextAttemptAt = &past
	store.mu.Unlock()

	sender.Flush(context.Background())
	second := store.all()[0]
	assert.Equal(t, domain.DeliveryFailed, second.Status)
	assert.Equal(t, 2, second.Attempts)
	require.NotNil(t, second.LastError)
	assert.Contains(t, *second.LastError, "502")
}

func TestSenderFailsWhenConfigGone(t *testing.T) {
	store := newMemWebhookStore()
	delivery := &domain.WebhookDelivery{ConfigID: "missing", EventType: events.ChannelJobMissed,
		Payload: json.RawMessage(`{}`), Status: domain.DeliveryPending}
	require.NoError(t, store.CreateDelivery(context.Background(), delivery))

	sender := NewSender(store, nil, testLogger(), SenderConfig{})
	sender.Flush(context.Background())

	got := store.all()[0]
	assert.Equal(t, domain.DeliveryFailed, got.Status)
	require.NotNil(t, got.LastError)
}

func TestBackoffLadder(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffFor(1))
	assert.Equal(t, 2*time.Minute, backoffFor(2))
	assert.Equal(t, 10*time.Minute, backoffFor(3))
	assert.Equal(t, 10*time.Minute, backoffFor(7), "last rung repeats")
}

// slowDeliveryStore simulates a store whose writes take real time.
type slowDeliveryStore struct {
	*memWebhookStore
	delay time.Duration
}

func (s *slowDeliveryStore) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	time.Sleep(s.delay)
	return s.memWebhookStore.CreateDelivery(ctx, d)
}

func TestDispatcherPersistsEveryMatchedEventInBurst(t *testing.T) {
	store := &slowDeliveryStore{
		memWebhookStore: newMemWebhookStore(config("wh-1", nil, events.ChannelIngestSuccess)),
		delay:           2 * time.Millisecond,
	}
	bus := events.NewMemoryBus()
	d := NewDispatcher(store, bus, testLogger())
	d.Start(context.Background())
	defer d.Stop()

	const published = 60
	for i := 0; i < published; i++ {
		require.NoError(t, bus.Publish(context.Background(), events.ChannelIngestSuccess,
			events.IngestPayload{DataSourceID: "ds_1", ProjectID: "proj-a", Version: int64(i + 1)}))
	}

	assert.Len(t, store.all(), published,
		"a delivery row exists for every matched event, however fast they arrive")
}
