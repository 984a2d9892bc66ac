package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/loom-data/loom/engine/internal/domain"
)

// mockConfig is the provider-specific config for mock sources.
type mockConfig struct {
	Count    int            `json:"count,omitempty"`
	Seed     int64          `json:"seed,omitempty"`
	Template map[string]any `json:"template,omitempty"`
}

// MockProvider generates deterministic records for tests and demos.
type MockProvider struct{}

// NewMockProvider creates a mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Type implements Provider.
func (p *MockProvider) Type() domain.ProviderType {
	return domain.ProviderMock
}

// Fetch implements Provider. The same count and seed always yield the
// same batch. Template string values may reference "{i}" (row index) and
// "{rand}" (seeded random int).
func (p *MockProvider) Fetch(_ context.Context, ds *domain.DataSource) ([]domain.Record, error) {
	var cfg mockConfig
	if err := json.Unmarshal(ds.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse mock provider config: %w", err)
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	rnd := rand.New(rand.NewSource(cfg.Seed))

	records := make([]domain.Record, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		rec := domain.Record{
			"id":    json.Number(strconv.Itoa(i + 1)),
			"name":  fmt.Sprintf("record-%d", i+1),
			"value": json.Number(strconv.Itoa(rnd.Intn(1000))),
		}
		for name, value := range cfg.Template {
			rec[name] = renderTemplate(value, i, rnd)
		}
		records = append(records, rec)
	}
	return records, nil
}

func renderTemplate(v any, i int, rnd *rand.Rand) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.ReplaceAll(s, "{i}", strconv.Itoa(i+1))
	if strings.Contains(s, "{rand}") {
		s = strings.ReplaceAll(s, "{rand}", strconv.Itoa(rnd.Intn(1000)))
	}
	return s
}
