// Package events provides the in-process event bus that connects the
// engines to the scheduler and the webhook dispatcher. Channel
// subscribers are best-effort (buffered, drop-on-full); consumers that
// must see every event, like the webhook dispatcher, register a
// synchronous handler that runs on the publish path before Publish
// returns.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Well-known channel names.
const (
	ChannelPipelineStart    = "pipeline.start"
	ChannelPipelineSuccess  = "pipeline.success"
	ChannelPipelineFailure  = "pipeline.failure"
	ChannelPipelineComplete = "pipeline.complete"
	ChannelIngestStart      = "ingest.start"
	ChannelIngestSuccess    = "ingest.success"
	ChannelIngestFailure    = "ingest.failure"
	ChannelJobScheduled     = "job.scheduled"
	ChannelJobMissed        = "job.missed"
)

// Channels returns every well-known channel name. The webhook dispatcher
// subscribes to all of them.
func Channels() []string {
	return []string{
		ChannelPipelineStart,
		ChannelPipelineSuccess,
		ChannelPipelineFailure,
		ChannelPipelineComplete,
		ChannelIngestStart,
		ChannelIngestSuccess,
		ChannelIngestFailure,
		ChannelJobScheduled,
		ChannelJobMissed,
	}
}

// ValidChannel checks if a string is a well-known channel name.
func ValidChannel(s string) bool {
	for _, c := range Channels() {
		if c == s {
			return true
		}
	}
	return false
}

// Event is a single published notification.
type Event struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// PipelinePayload is the JSON payload for pipeline.* events.
type PipelinePayload struct {
	ExecutionID string `json:"execution_id"`
	PipelineID  string `json:"pipeline_id"`
	ProjectID   string `json:"project_id"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// IngestPayload is the JSON payload for ingest.* events.
type IngestPayload struct {
	DataSourceID string `json:"data_source_id"`
	ProjectID    string `json:"project_id"`
	VersionID    string `json:"version_id,omitempty"`
	Version      int64  `json:"version,omitempty"`
	RecordCount  int    `json:"record_count,omitempty"`
	Error        string `json:"error,omitempty"`
}

// JobPayload is the JSON payload for job.* events.
type JobPayload struct {
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	TargetID    string `json:"target_id"`
	Trigger     string `json:"trigger,omitempty"`
}

// Bus defines the interface for publishing and subscribing to events.
type Bus interface {
	// Publish sends an event on the given channel with a JSON payload.
	// Synchronous handlers run before Publish returns.
	Publish(ctx context.Context, channel string, payload interface{}) error

	// Subscribe registers a listener for the given channel and returns a
	// read-only channel of events. The caller should call the returned
	// cancel function to unsubscribe and close the channel. Delivery is
	// best-effort: a full buffer drops the event.
	Subscribe(channel string) (<-chan Event, func())

	// SubscribeSync registers a handler that runs inline on the
	// publisher's goroutine for every event on the channel, before any
	// channel subscriber sees it. No event is dropped. Handlers must be
	// fast or persist-and-return; they block the publisher. Returns an
	// unsubscribe function.
	SubscribeSync(channel string, fn func(ctx context.Context, e Event)) func()
}

// subscriber holds a single subscriber's delivery channel and done signal.
type subscriber struct {
	ch   chan Event
	done chan struct{} // closed when unsubscribed
}

// syncSubscriber is an inline handler registered via SubscribeSync.
type syncSubscriber struct {
	id int
	fn func(ctx context.Context, e Event)
}

// MemoryBus is the in-process Bus implementation. The engine is a single
// process, so publication is a synchronous fan-out: inline handlers
// first, then per-subscriber buffered channels; ordering is guaranteed
// per publisher only.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[string][]subscriber
	syncSubs    map[string][]syncSubscriber
	nextSyncID  int
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]subscriber),
		syncSubs:    make(map[string][]syncSubscriber),
	}
}

// Publish delivers the event: synchronous handlers run inline and always
// see it; channel subscribers with a full buffer have the event dropped
// rather than blocking the publisher.
func (eb *MemoryBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event bus: marshal payload: %w", err)
	}

	event := Event{
		Channel: channel,
		Payload: json.RawMessage(data),
	}

	eb.mu.Lock()
	syncs := make([]syncSubscriber, len(eb.syncSubs[channel]))
	copy(syncs, eb.syncSubs[channel])
	subs := make([]subscriber, len(eb.subscribers[channel]))
	copy(subs, eb.subscribers[channel])
	eb.mu.Unlock()

	for _, s := range syncs {
		s.fn(ctx, event)
	}

	for _, sub := range subs {
		select {
		case <-sub.done:
			// Subscriber cancelled, skip.
		case sub.ch <- event:
			// Delivered.
		default:
			slog.Warn("event bus: subscriber buffer full, dropping event",
				"channel", channel)
		}
	}
	return nil
}

// SubscribeSync registers an inline handler for the channel.
func (eb *MemoryBus) SubscribeSync(channel string, fn func(ctx context.Context, e Event)) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextSyncID++
	id := eb.nextSyncID
	eb.syncSubs[channel] = append(eb.syncSubs[channel], syncSubscriber{id: id, fn: fn})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		subs := eb.syncSubs[channel]
		for i, s := range subs {
			if s.id == id {
				eb.syncSubs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Subscribe registers a listener for the given channel. The event channel
// is buffered (16) to decouple subscribers from publishers.
func (eb *MemoryBus) Subscribe(channel string) (_ <-chan Event, _ func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := subscriber{
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
	eb.subscribers[channel] = append(eb.subscribers[channel], sub)

	cancel := func() {
		close(sub.done)
		eb.mu.Lock()
		defer eb.mu.Unlock()
		subs := eb.subscribers[channel]
		for i, s := range subs {
			if s.ch == sub.ch {
				eb.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}

	return sub.ch, cancel
}

// RecordingBus wraps a MemoryBus and records every published event for
// test assertions.
type RecordingBus struct {
	*MemoryBus

	recMu     sync.Mutex
	published []Event
}

// NewRecordingBus creates a recording bus for tests.
func NewRecordingBus() *RecordingBus {
	return &RecordingBus{MemoryBus: NewMemoryBus()}
}

// Publish records the event, then delivers it like MemoryBus.
func (eb *RecordingBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event bus: marshal payload: %w", err)
	}

	eb.recMu.Lock()
	eb.published = append(eb.published, Event{Channel: channel, Payload: json.RawMessage(data)})
	eb.recMu.Unlock()

	return eb.MemoryBus.Publish(ctx, channel, payload)
}

// Published returns all events published so far.
func (eb *RecordingBus) Published() []Event {
	eb.recMu.Lock()
	defer eb.recMu.Unlock()
	result := make([]Event, len(eb.published))
	copy(result, eb.published)
	return result
}

// PublishedOn returns the published events for one channel.
func (eb *RecordingBus) PublishedOn(channel string) []Event {
	eb.recMu.Lock()
	defer eb.recMu.Unlock()
	var result []Event
	for _, e := range eb.published {
		if e.Channel == channel {
			result = append(result, e)
		}
	}
	return result
}
