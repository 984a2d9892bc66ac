package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loom-data/loom/engine/internal/domain"
)

// apiAuth configures upstream authentication for the API provider.
type apiAuth struct {
	Type   string `json:"type,omitempty"` // bearer | api-key-header | none
	Token  string `json:"token,omitempty"`
	Header string `json:"header,omitempty"` // api-key-header only, default X-API-Key
}

// apiConfig is the provider-specific config for API sources.
type apiConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"` // GET | POST
	Params         map[string]string `json:"params,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	Auth           apiAuth           `json:"auth,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	ContentType    string            `json:"contentType,omitempty"` // json | csv
	DataPath       string            `json:"dataPath,omitempty"`    // json field wrapping the array
	MaxAttempts    int               `json:"maxAttempts,omitempty"`
}

// APIProvider fetches records over HTTP with exponential-backoff retry.
// Rate limits (429) and 5xx responses retry; other 4xx are permanent.
type APIProvider struct {
	client *http.Client
}

// NewAPIProvider creates an API provider using the given client, or a
// default one when nil.
func NewAPIProvider(client *http.Client) *APIProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIProvider{client: client}
}

// Type implements Provider.
func (p *APIProvider) Type() domain.ProviderType {
	return domain.ProviderAPI
}

// Fetch implements Provider.
func (p *APIProvider) Fetch(ctx context.Context, ds *domain.DataSource) ([]domain.Record, error) {
	var cfg apiConfig
	if err := json.Unmarshal(ds.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse api provider config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("missing required field: url")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	target, err := mergeParams(cfg.URL, cfg.Params)
	if err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return p.request(ctx, &cfg, target, timeout)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)))
	if err != nil {
		return nil, err
	}

	switch cfg.ContentType {
	case "", "json":
		return parseJSONRecords(body, cfg.DataPath)
	case "csv":
		return parseCSV(strings.NewReader(string(body)))
	}
	return nil, fmt.Errorf("api provider: content type %q is not supported", cfg.ContentType)
}

// request performs one HTTP attempt. Retryable failures return plain
// errors; client errors other than 429 are marked permanent so the
// backoff loop stops.
func (p *APIProvider) request(ctx context.Context, cfg *apiConfig, target string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if cfg.Body != "" {
		bodyReader = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, cfg.Method, target, bodyReader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	for name, value := range cfg.Headers {
		req.Header.Set(name, value)
	}
	switch cfg.Auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)
	case "api-key-header":
		header := cfg.Auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, cfg.Auth.Token)
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("fetch %s: status %d", target, resp.StatusCode))
	}
}

// mergeParams adds configured query params to the URL without clobbering
// params already present in it.
func mergeParams(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for name, value := range params {
		if !q.Has(name) {
			q.Set(name, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
