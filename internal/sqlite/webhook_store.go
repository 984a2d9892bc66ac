package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loom-data/loom/engine/internal/domain"
)

// webhookConfigColumns is the full column list for webhook config queries.
const webhookConfigColumns = `id, project_id, pipeline_id, name, type, url, secret,
	headers, events, enabled, created_at, updated_at`

// webhookDeliveryColumns is the full column list for delivery queries.
const webhookDeliveryColumns = `id, config_id, event_type, payload, status,
	http_status, attempts, next_attempt_at, last_error, delivered_at, created_at`

// WebhookStore persists webhook configs and their delivery records in the
// core store. Delivery rows are written before any network attempt so
// events survive crashes.
type WebhookStore struct {
	db *sql.DB
}

// NewWebhookStore creates a WebhookStore backed by the given database.
func NewWebhookStore(db *sql.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

func scanWebhookConfig(row dataSourceScanner) (*domain.WebhookConfig, error) {
	var (
		c                     domain.WebhookConfig
		projectID, pipelineID sql.NullString
		secret                sql.NullString
		headers, events       string
		enabled               int
		createdAt, updatedAt  string
	)
	err := row.Scan(&c.ID, &projectID, &pipelineID, &c.Name, &c.Type, &c.URL, &secret,
		&headers, &events, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.ProjectID = nullableToPtr(projectID)
	c.PipelineID = nullableToPtr(pipelineID)
	c.Secret = nullableToString(secret)
	c.Enabled = enabled != 0
	if err := unmarshalJSON(sql.NullString{String: headers, Valid: true}, &c.Headers); err != nil {
		return nil, fmt.Errorf("decode webhook headers: %w", err)
	}
	if err := unmarshalJSON(sql.NullString{String: events, Valid: true}, &c.Events); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListWebhookConfigs returns all webhook configs.
func (s *WebhookStore) ListWebhookConfigs(ctx context.Context) ([]domain.WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookConfigColumns+` FROM webhook_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list webhook configs: %w", err)
	}
	defer rows.Close()

	var result []domain.WebhookConfig
	for rows.Next() {
		c, err := scanWebhookConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook config: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// ListEnabledConfigsForEvent returns enabled configs subscribed to the
// given event type. Scope filtering (project/pipeline) happens in the
// dispatcher, which knows the event payload.
func (s *WebhookStore) ListEnabledConfigsForEvent(ctx context.Context, eventType string) ([]domain.WebhookConfig, error) {
	configs, err := s.ListWebhookConfigs(ctx)
	if err != nil {
		return nil, err
	}
	var matched []domain.WebhookConfig
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		for _, e := range c.Events {
			if e == eventType {
				matched = append(matched, c)
				break
			}
		}
	}
	return matched, nil
}

// GetWebhookConfig returns a config by ID, or (nil, nil) when absent.
func (s *WebhookStore) GetWebhookConfig(ctx context.Context, id string) (*domain.WebhookConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookConfigColumns+` FROM webhook_configs WHERE id = ?`, id)
	c, err := scanWebhookConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook config: %w", err)
	}
	return c, nil
}

// CreateWebhookConfig inserts a new webhook config.
func (s *WebhookStore) CreateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	c.CreatedAt = now
	c.UpdatedAt = now

	headers, err := marshalJSON(nonNilHeaders(c.Headers))
	if err != nil {
		return err
	}
	events, err := marshalJSON(nonNilStrings(c.Events))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_configs (id, project_id, pipeline_id, name, type, url, secret,
			headers, events, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, textPtrToNullable(c.ProjectID), textPtrToNullable(c.PipelineID),
		c.Name, string(c.Type), c.URL, textOrNull(c.Secret),
		headers.String, events.String, boolToInt(c.Enabled),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create webhook config: %w", mapConflict(err))
	}
	return nil
}

// UpdateWebhookConfig overwrites the mutable fields of a config.
func (s *WebhookStore) UpdateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error {
	c.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	headers, err := marshalJSON(nonNilHeaders(c.Headers))
	if err != nil {
		return err
	}
	events, err := marshalJSON(nonNilStrings(c.Events))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE webhook_configs SET name = ?, type = ?, url = ?, secret = ?,
			headers = ?, events = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, string(c.Type), c.URL, textOrNull(c.Secret),
		headers.String, events.String, boolToInt(c.Enabled),
		formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update webhook config: %w", mapConflict(err))
	}
	return nil
}

// DeleteWebhookConfig removes a config; its deliveries cascade. Idempotent.
func (s *WebhookStore) DeleteWebhookConfig(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_configs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete webhook config: %w", err)
	}
	return nil
}

func scanDelivery(row dataSourceScanner) (*domain.WebhookDelivery, error) {
	var (
		d                          domain.WebhookDelivery
		payload                    string
		httpStatus                 sql.NullInt64
		nextAttemptAt, lastError   sql.NullString
		deliveredAt                sql.NullString
		createdAt                  string
	)
	err := row.Scan(&d.ID, &d.ConfigID, &d.EventType, &payload, &d.Status,
		&httpStatus, &d.Attempts, &nextAttemptAt, &lastError, &deliveredAt, &createdAt)
	if err != nil {
		return nil, err
	}

	d.Payload = json.RawMessage(payload)
	d.HTTPStatus = nullableToIntPtr(httpStatus)
	d.LastError = nullableToPtr(lastError)
	if d.NextAttemptAt, err = parseTimePtr(nextAttemptAt); err != nil {
		return nil, err
	}
	if d.DeliveredAt, err = parseTimePtr(deliveredAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDelivery persists a pending delivery row. This MUST happen before
// the first network attempt.
func (s *WebhookStore) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = domain.DeliveryPending
	}
	d.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, config_id, event_type, payload, status,
			http_status, attempts, next_attempt_at, last_error, delivered_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ConfigID, d.EventType, string(d.Payload), string(d.Status),
		intPtrToNullable(d.HTTPStatus), d.Attempts, formatTimePtr(d.NextAttemptAt),
		textPtrToNullable(d.LastError), formatTimePtr(d.DeliveredAt), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns a config's deliveries, newest first.
func (s *WebhookStore) ListDeliveries(ctx context.Context, configID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
		 WHERE config_id = ? ORDER BY created_at DESC LIMIT ?`,
		configID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var result []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

// ListDueDeliveries returns pending/retry rows whose next attempt time has
// passed (or was never set). The sender polls this, so retries survive
// restarts.
func (s *WebhookStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
		 WHERE status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at LIMIT ?`,
		string(domain.DeliveryPending), string(domain.DeliveryRetry),
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var result []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

// UpdateDelivery records the outcome of one attempt.
func (s *WebhookStore) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = ?, http_status = ?, attempts = ?,
			next_attempt_at = ?, last_error = ?, delivered_at = ?
		 WHERE id = ?`,
		string(d.Status), intPtrToNullable(d.HTTPStatus), d.Attempts,
		formatTimePtr(d.NextAttemptAt), textPtrToNullable(d.LastError),
		formatTimePtr(d.DeliveredAt), d.ID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// PurgeDeliveriesOlderThan deletes delivery rows created before the
// cutoff. Returns the number of rows removed.
func (s *WebhookStore) PurgeDeliveriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	return res.RowsAffected()
}

// nonNilHeaders normalizes a nil map so JSON columns store "{}".
func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
