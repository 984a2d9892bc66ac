package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/loom-data/loom/engine/internal/domain"
)

// scriptConfig is the provider-specific config for script sources.
type scriptConfig struct {
	Script              string         `json:"script"`
	Vars                map[string]any `json:"vars,omitempty"`
	EnableFetch         bool           `json:"enableFetch,omitempty"`
	FetchTimeoutSeconds int            `json:"fetchTimeoutSeconds,omitempty"`
}

// maxSleep clamps the script sleep() capability.
const maxSleep = 5 * time.Second

// ScriptProvider runs a user script in a goja sandbox. The script sees
// logger, sleep(ms), vars, and (when enabled) fetch(url); it must
// evaluate to — or return from a final function — an array of objects or
// a single object.
type ScriptProvider struct {
	logger *slog.Logger
	budget time.Duration

	// fetchFunc overrides the HTTP fetch capability in tests.
	fetchFunc func(ctx context.Context, url string) (string, error)
}

// NewScriptProvider creates a script provider. budget is the wall-clock
// interrupt limit per script (default 30s when zero).
func NewScriptProvider(logger *slog.Logger, budget time.Duration) *ScriptProvider {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &ScriptProvider{logger: logger, budget: budget}
}

// Type implements Provider.
func (p *ScriptProvider) Type() domain.ProviderType {
	return domain.ProviderScript
}

// Fetch implements Provider.
func (p *ScriptProvider) Fetch(ctx context.Context, ds *domain.DataSource) ([]domain.Record, error) {
	var cfg scriptConfig
	if err := json.Unmarshal(ds.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse script provider config: %w", err)
	}
	if cfg.Script == "" {
		return nil, fmt.Errorf("missing required field: script")
	}

	vm := goja.New()
	p.bindCapabilities(ctx, vm, &cfg, ds)

	// Interrupt on engine cancel or when the wall-clock budget runs out.
	done := make(chan struct{})
	defer close(done)
	go func() {
		timer := time.NewTimer(p.budget)
		defer timer.Stop()
		select {
		case <-done:
		case <-ctx.Done():
			vm.Interrupt("cancelled by user")
		case <-timer.C:
			vm.Interrupt("script timed out")
		}
	}()

	value, err := vm.RunString(cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}
	if fn, ok := goja.AssertFunction(value); ok {
		value, err = fn(goja.Undefined())
		if err != nil {
			return nil, fmt.Errorf("run script function: %w", err)
		}
	}
	return scriptResult(value.Export())
}

// bindCapabilities installs the sandbox surface on the VM.
func (p *ScriptProvider) bindCapabilities(ctx context.Context, vm *goja.Runtime, cfg *scriptConfig, ds *domain.DataSource) {
	log := p.logger.With(slog.String("data_source_id", ds.ID))
	vm.Set("logger", map[string]any{
		"info":  func(args ...any) { log.Info(fmt.Sprint(args...)) },
		"warn":  func(args ...any) { log.Warn(fmt.Sprint(args...)) },
		"error": func(args ...any) { log.Error(fmt.Sprint(args...)) },
	})
	vm.Set("vars", cfg.Vars)
	vm.Set("sleep", func(ms int) {
		d := time.Duration(ms) * time.Millisecond
		if d > maxSleep {
			d = maxSleep
		}
		if d <= 0 {
			return
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	})
	if cfg.EnableFetch {
		vm.Set("fetch", func(url string) (string, error) {
			timeout := 10 * time.Second
			if cfg.FetchTimeoutSeconds > 0 {
				timeout = time.Duration(cfg.FetchTimeoutSeconds) * time.Second
			}
			fetchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return p.fetch(fetchCtx, url)
		})
	}
}

// fetch is the default HTTP capability behind the script's fetch().
func (p *ScriptProvider) fetch(ctx context.Context, url string) (string, error) {
	if p.fetchFunc != nil {
		return p.fetchFunc(ctx, url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("script fetch: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("script fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("script fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("script fetch: %w", err)
	}
	return string(body), nil
}

// scriptResult normalizes the exported script value into records. A
// single object becomes a one-element batch; anything else is an invalid
// format.
func scriptResult(v any) ([]domain.Record, error) {
	switch out := v.(type) {
	case []any:
		records := make([]domain.Record, 0, len(out))
		for i, item := range out {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("invalid file format: script element %d is not an object", i)
			}
			records = append(records, normalizeRecord(obj))
		}
		return records, nil
	case map[string]any:
		return []domain.Record{normalizeRecord(out)}, nil
	}
	return nil, fmt.Errorf("invalid file format: script must produce an array of objects or an object")
}

// normalizeRecord rewrites goja-exported numbers as json.Number so
// script records canonicalize like every other provider's.
func normalizeRecord(obj map[string]any) domain.Record {
	rec := make(domain.Record, len(obj))
	for name, value := range obj {
		rec[name] = normalizeValue(value)
	}
	return rec
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int64:
		return json.Number(strconv.FormatInt(n, 10))
	case int:
		return json.Number(strconv.Itoa(n))
	case float64:
		return json.Number(strconv.FormatFloat(n, 'g', -1, 64))
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, val := range n {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
