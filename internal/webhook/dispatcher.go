// Package webhook fans engine events out to configured HTTP endpoints.
// The dispatcher matches events to configs and persists a delivery row
// per match before any network I/O; the sender polls due rows and
// performs the actual HTTP delivery with retry. Splitting the two means
// a crash between match and send loses nothing.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
)

// ConfigStore is the subset of the webhook store the dispatcher needs.
type ConfigStore interface {
	ListEnabledConfigsForEvent(ctx context.Context, eventType string) ([]domain.WebhookConfig, error)
	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
}

// Dispatcher registers a synchronous handler on every engine event
// channel and writes one delivery row per matched config. Matching runs
// inline on the publish path, so a matched event has its row persisted
// before the publisher moves on; a burst can never outrun a buffer.
type Dispatcher struct {
	store  ConfigStore
	bus    events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewDispatcher creates a dispatcher. Call Start to begin matching.
func NewDispatcher(store ConfigStore, bus events.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, bus: bus, logger: logger}
}

// Start registers the synchronous handler on all event channels.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, channel := range events.Channels() {
		unsub := d.bus.SubscribeSync(channel, d.Dispatch)
		d.unsubs = append(d.unsubs, unsub)
	}
}

// Stop unregisters the handlers. Dispatches already running on a
// publisher's goroutine complete on their own.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
}

// eventScope is the subset of every payload used for config scoping.
type eventScope struct {
	ProjectID  string `json:"project_id"`
	PipelineID string `json:"pipeline_id"`
}

// Dispatch matches one event against the enabled configs and persists a
// delivery row per match.
func (d *Dispatcher) Dispatch(ctx context.Context, event events.Event) {
	configs, err := d.store.ListEnabledConfigsForEvent(ctx, event.Channel)
	if err != nil {
		d.logger.ErrorContext(ctx, "list webhook configs",
			slog.String("event", event.Channel), slog.String("error", err.Error()))
		return
	}
	if len(configs) == 0 {
		return
	}

	var scope eventScope
	if err := json.Unmarshal(event.Payload, &scope); err != nil {
		d.logger.WarnContext(ctx, "unscopable event payload",
			slog.String("event", event.Channel), slog.String("error", err.Error()))
	}

	for i := range configs {
		config := configs[i]
		if !matchesScope(&config, scope) {
			continue
		}
		body, err := renderPayload(config.Type, event)
		if err != nil {
			d.logger.ErrorContext(ctx, "render webhook payload",
				slog.String("config_id", config.ID), slog.String("error", err.Error()))
			continue
		}
		delivery := &domain.WebhookDelivery{
			ConfigID:  config.ID,
			EventType: event.Channel,
			Payload:   body,
			Status:    domain.DeliveryPending,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			d.logger.ErrorContext(ctx, "persist webhook delivery",
				slog.String("config_id", config.ID), slog.String("error", err.Error()))
			continue
		}
		d.logger.DebugContext(ctx, "webhook delivery queued",
			slog.String("delivery_id", delivery.ID),
			slog.String("config_id", config.ID),
			slog.String("event", event.Channel))
	}
}

// matchesScope checks the config's optional project/pipeline filters
// against the event payload.
func matchesScope(config *domain.WebhookConfig, scope eventScope) bool {
	if config.ProjectID != nil && *config.ProjectID != scope.ProjectID {
		return false
	}
	if config.PipelineID != nil && *config.PipelineID != scope.PipelineID {
		return false
	}
	return true
}

// renderPayload shapes the outbound body per config type.
func renderPayload(configType domain.WebhookType, event events.Event) (json.RawMessage, error) {
	switch configType {
	case domain.WebhookSlack:
		return json.Marshal(map[string]string{"text": summarize(event)})
	case domain.WebhookDiscord:
		return json.Marshal(map[string]string{"content": summarize(event)})
	default:
		return json.Marshal(map[string]any{
			"event":     event.Channel,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      event.Payload,
		})
	}
}

// summarize builds the one-line chat message for slack/discord hooks.
func summarize(event events.Event) string {
	var fields map[string]any
	if err := json.Unmarshal(event.Payload, &fields); err != nil || len(fields) == 0 {
		return "[loom] " + event.Channel
	}
	text := "[loom] " + event.Channel
	if id, ok := fields["pipeline_id"].(string); ok && id != "" {
		text += " pipeline=" + id
	}
	if id, ok := fields["data_source_id"].(string); ok && id != "" {
		text += " data_source=" + id
	}
	if id, ok := fields["job_id"].(string); ok && id != "" {
		text += " job=" + id
	}
	if status, ok := fields["status"].(string); ok && status != "" {
		text += " status=" + status
	}
	if errText, ok := fields["error"].(string); ok && errText != "" {
		text += " error=" + errText
	}
	return text
}
