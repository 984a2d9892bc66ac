package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
)

// retryLadder spaces attempts; the last rung repeats.
var retryLadder = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// DeliveryStore is the subset of the webhook store the sender needs.
type DeliveryStore interface {
	GetWebhookConfig(ctx context.Context, id string) (*domain.WebhookConfig, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
}

// SenderConfig tunes the delivery worker.
type SenderConfig struct {
	PollInterval time.Duration // default 5s
	MaxAttempts  int           // default 4
	BatchSize    int           // rows per poll, default 50
}

func (c *SenderConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Sender polls due delivery rows and POSTs them. Because state lives in
// the store, pending and retry rows from a previous process are picked
// up on the first poll.
type Sender struct {
	store  DeliveryStore
	client *http.Client
	logger *slog.Logger
	cfg    SenderConfig

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSender creates a sender. A nil client gets a 30s-timeout default.
func NewSender(store DeliveryStore, client *http.Client, logger *slog.Logger, cfg SenderConfig) *Sender {
	cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{store: store, client: client, logger: logger, cfg: cfg}
}

// Start launches the polling goroutine.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		// Immediate first poll recovers rows left over from a previous
		// process.
		s.Flush(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Flush(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Flush sends every currently due delivery once.
func (s *Sender) Flush(ctx context.Context) {
	due, err := s.store.ListDueDeliveries(ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "list due deliveries", slog.String("error", err.Error()))
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.attempt(ctx, &due[i])
	}
}

// attempt performs one delivery attempt and records the outcome.
func (s *Sender) attempt(ctx context.Context, delivery *domain.WebhookDelivery) {
	config, err := s.store.GetWebhookConfig(ctx, delivery.ConfigID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load webhook config",
			slog.String("delivery_id", delivery.ID), slog.String("error", err.Error()))
		return
	}
	delivery.Attempts++
	if config == nil || !config.Enabled {
		s.fail(ctx, delivery, "webhook config removed or disabled")
		return
	}

	status, err := s.post(ctx, config, delivery.Payload)
	if status > 0 {
		delivery.HTTPStatus = &status
	}
	if err == nil && status >= 200 && status < 300 {
		delivery.Status = domain.DeliverySuccess
		now := time.Now().UTC()
		delivery.DeliveredAt = &now
		delivery.NextAttemptAt = nil
		delivery.LastError = nil
		s.update(ctx, delivery)
		s.logger.InfoContext(ctx, "webhook delivered",
			slog.String("delivery_id", delivery.ID),
			slog.String("config_id", config.ID),
			slog.Int("attempts", delivery.Attempts))
		return
	}

	errText := fmt.Sprintf("unexpected status %d", status)
	if err != nil {
		errText = err.Error()
	}
	if delivery.Attempts >= s.cfg.MaxAttempts {
		s.fail(ctx, delivery, errText)
		return
	}
	delivery.Status = domain.DeliveryRetry
	delivery.LastError = &errText
	next := time.Now().UTC().Add(backoffFor(delivery.Attempts))
	delivery.NextAttemptAt = &next
	s.update(ctx, delivery)
	s.logger.WarnContext(ctx, "webhook delivery failed, will retry",
		slog.String("delivery_id", delivery.ID),
		slog.Int("attempts", delivery.Attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", errText))
}

func (s *Sender) fail(ctx context.Context, delivery *domain.WebhookDelivery, errText string) {
	delivery.Status = domain.DeliveryFailed
	delivery.LastError = &errText
	delivery.NextAttemptAt = nil
	s.update(ctx, delivery)
	s.logger.ErrorContext(ctx, "webhook delivery failed permanently",
		slog.String("delivery_id", delivery.ID),
		slog.Int("attempts", delivery.Attempts),
		slog.String("error", errText))
}

func (s *Sender) update(ctx context.Context, delivery *domain.WebhookDelivery) {
	if err := s.store.UpdateDelivery(ctx, delivery); err != nil {
		s.logger.ErrorContext(ctx, "update delivery",
			slog.String("delivery_id", delivery.ID), slog.String("error", err.Error()))
	}
}

// post performs the HTTP call. The body is signed with the config secret
// when one is set.
func (s *Sender) post(ctx context.Context, config *domain.WebhookConfig, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}
	if config.Secret != "" {
		req.Header.Set("X-Signature", Sign(config.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 signature receivers use to verify
// the body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// backoffFor returns the ladder delay for the attempt just made.
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryLadder) {
		attempt = len(retryLadder)
	}
	return retryLadder[attempt-1]
}
