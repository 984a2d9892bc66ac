package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/loom-data/loom/engine/internal/domain"
)

// scriptBudget is the wall-clock interrupt limit for a script transform.
const scriptBudget = 30 * time.Second

// runScriptTransform executes a goja script with the incoming batch
// bound as `records`. The script value (or the value returned by a final
// function) replaces the batch.
func runScriptTransform(ctx context.Context, cfg scriptConfig, records []domain.Record) ([]domain.Record, error) {
	if cfg.Script == "" {
		return nil, fmt.Errorf("script: missing required field script")
	}

	vm := goja.New()
	exported := make([]any, len(records))
	for i, rec := range records {
		exported[i] = map[string]any(rec)
	}
	vm.Set("records", exported)

	done := make(chan struct{})
	defer close(done)
	go func() {
		timer := time.NewTimer(scriptBudget)
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
		return nil, fmt.Errorf("run transform script: %w", err)
	}
	if fn, ok := goja.AssertFunction(value); ok {
		value, err = fn(goja.Undefined(), vm.ToValue(exported))
		if err != nil {
			return nil, fmt.Errorf("run transform script function: %w", err)
		}
	}

	out, ok := value.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("invalid file format: transform script must produce an array of objects")
	}
	result := make([]domain.Record, 0, len(out))
	for i, item := range out {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid file format: transform script element %d is not an object", i)
		}
		rec := make(domain.Record, len(obj))
		for name, v := range obj {
			rec[name] = normalizeScriptValue(v)
		}
		result = append(result, rec)
	}
	return result, nil
}

// normalizeScriptValue rewrites goja-exported numbers as json.Number so
// script output canonicalizes like every other node's.
func normalizeScriptValue(v any) any {
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
			out[k] = normalizeScriptValue(val)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, val := range n {
			out[i] = normalizeScriptValue(val)
		}
		return out
	default:
		return v
	}
}
