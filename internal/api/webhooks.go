package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
)

// WebhookStore defines the persistence interface for webhook configs
// and their delivery history.
type WebhookStore interface {
	ListWebhookConfigs(ctx context.Context) ([]domain.WebhookConfig, error)
	GetWebhookConfig(ctx context.Context, id string) (*domain.WebhookConfig, error)
	CreateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error
	UpdateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error
	DeleteWebhookConfig(ctx context.Context, id string) error
	ListDeliveries(ctx context.Context, configID string, limit int) ([]domain.WebhookDelivery, error)
}

// CreateWebhookRequest is the JSON body for POST /webhooks. The secret
// is accepted on input but never rendered back.
type CreateWebhookRequest struct {
	ProjectID  *string           `json:"projectId"`
	PipelineID *string           `json:"pipelineId"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	URL        string            `json:"url"`
	Secret     string            `json:"secret"`
	Headers    map[string]string `json:"headers"`
	Events     []string          `json:"events"`
	Enabled    *bool             `json:"enabled"`
}

// UpdateWebhookRequest is the JSON body for PUT /webhooks/{webhookID}.
// Nil fields are left unchanged.
type UpdateWebhookRequest struct {
	Name    *string            `json:"name"`
	URL     *string            `json:"url"`
	Secret  *string            `json:"secret"`
	Headers *map[string]string `json:"headers"`
	Events  *[]string          `json:"events"`
	Enabled *bool              `json:"enabled"`
}

// MountWebhookRoutes registers webhook config and delivery endpoints.
func MountWebhookRoutes(r chi.Router, srv *Server) {
	r.Get("/webhooks", srv.HandleListWebhooks)
	r.Post("/webhooks", srv.HandleCreateWebhook)
	r.Get("/webhooks/{webhookID}", srv.HandleGetWebhook)
	r.Put("/webhooks/{webhookID}", srv.HandleUpdateWebhook)
	r.Delete("/webhooks/{webhookID}", srv.HandleDeleteWebhook)
	r.Get("/webhooks/{webhookID}/deliveries", srv.HandleWebhookDeliveries)
}

// validWebhookURL requires an absolute http(s) URL.
func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// HandleListWebhooks returns all webhook configs. Secrets are elided
// by the model's JSON tags.
func (s *Server) HandleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.Webhooks == nil {
		errorJSON(w, "webhooks not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	configs, err := s.Webhooks.ListWebhookConfigs(r.Context())
	if err != nil {
		internalError(w, "failed to list webhooks", err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(configs, limit, offset))
}

// HandleCreateWebhook creates a webhook config.
func (s *Server) HandleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Webhooks == nil {
		errorJSON(w, "webhooks not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req CreateWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidWebhookType(req.Type) {
		errorJSON(w, "type must be one of slack, discord, generic", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !validWebhookURL(req.URL) {
		errorJSON(w, "url must be an absolute http or https URL", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 {
		errorJSON(w, "events must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	c := &domain.WebhookConfig{
		ProjectID:  req.ProjectID,
		PipelineID: req.PipelineID,
		Name:       req.Name,
		Type:       domain.WebhookType(req.Type),
		URL:        req.URL,
		Secret:     req.Secret,
		Headers:    req.Headers,
		Events:     req.Events,
		Enabled:    enabled,
	}
	if err := s.Webhooks.CreateWebhookConfig(r.Context(), c); err != nil {
		internalError(w, "failed to create webhook", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleGetWebhook returns one webhook config.
func (s *Server) HandleGetWebhook(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupWebhook(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleUpdateWebhook applies a partial update to a webhook config.
func (s *Server) HandleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupWebhook(w, r)
	if !ok {
		return
	}

	var req UpdateWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			errorJSON(w, "name must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		c.Name = *req.Name
	}
	if req.URL != nil {
		if !validWebhookURL(*req.URL) {
			errorJSON(w, "url must be an absolute http or https URL", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		c.URL = *req.URL
	}
	if req.Secret != nil {
		c.Secret = *req.Secret
	}
	if req.Headers != nil {
		c.Headers = *req.Headers
	}
	if req.Events != nil {
		if len(*req.Events) == 0 {
			errorJSON(w, "events must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		c.Events = *req.Events
	}
	if req.Enabled != nil {
		c.Enabled = *req.Enabled
	}

	if err := s.Webhooks.UpdateWebhookConfig(r.Context(), c); err != nil {
		internalError(w, "failed to update webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleDeleteWebhook removes a webhook config and its delivery
// history.
func (s *Server) HandleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupWebhook(w, r)
	if !ok {
		return
	}
	if err := s.Webhooks.DeleteWebhookConfig(r.Context(), c.ID); err != nil {
		internalError(w, "failed to delete webhook", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWebhookDeliveries returns recent delivery attempts for a
// webhook, newest first.
func (s *Server) HandleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupWebhook(w, r)
	if !ok {
		return
	}

	limit, _ := parsePagination(r)
	deliveries, err := s.Webhooks.ListDeliveries(r.Context(), c.ID, limit)
	if err != nil {
		internalError(w, "failed to list deliveries", err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// lookupWebhook fetches the webhook config named in the path, writing
// the error response itself when the lookup fails.
func (s *Server) lookupWebhook(w http.ResponseWriter, r *http.Request) (*domain.WebhookConfig, bool) {
	if s.Webhooks == nil {
		errorJSON(w, "webhooks not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return nil, false
	}
	c, err := s.Webhooks.GetWebhookConfig(r.Context(), chi.URLParam(r, "webhookID"))
	if err != nil {
		internalError(w, "failed to get webhook", err)
		return nil, false
	}
	if c == nil {
		errorJSON(w, "webhook not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	return c, true
}
