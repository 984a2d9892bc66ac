package api

import (
	"context"
	"log/slog"
)

// ContextHandler is a slog.Handler that stamps the context's request ID
// onto every record, so engine code deep below a handler can call
// slog.InfoContext and still correlate. loomd installs it around its
// JSON handler at startup.
type ContextHandler struct {
	next slog.Handler
}

// NewContextHandler wraps next with request ID stamping.
func NewContextHandler(next slog.Handler) *ContextHandler {
	return &ContextHandler{next: next}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if id := RequestIDFromContext(ctx); id != "" {
		record.AddAttrs(slog.String("request_id", id))
	}
	return h.next.Handle(ctx, record)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name)}
}
