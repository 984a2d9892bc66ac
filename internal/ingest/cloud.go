package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loom-data/loom/engine/internal/domain"
)

// cloudConfig is the provider-specific config for cloud sources.
type cloudConfig struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	Format       string `json:"format,omitempty"` // json | csv, default json
	RecordsField string `json:"recordsField,omitempty"`
}

// ObjectGetter fetches one object from S3-compatible storage. The
// storage package's minio client implements it.
type ObjectGetter interface {
	FetchObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// CloudProvider fetches csv/json objects from object storage.
type CloudProvider struct {
	objects ObjectGetter
}

// NewCloudProvider creates a cloud provider over the given object store.
func NewCloudProvider(objects ObjectGetter) *CloudProvider {
	return &CloudProvider{objects: objects}
}

// Type implements Provider.
func (p *CloudProvider) Type() domain.ProviderType {
	return domain.ProviderCloud
}

// Fetch implements Provider.
func (p *CloudProvider) Fetch(ctx context.Context, ds *domain.DataSource) ([]domain.Record, error) {
	var cfg cloudConfig
	if err := json.Unmarshal(ds.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse cloud provider config: %w", err)
	}
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("missing required field: bucket and key")
	}

	data, err := p.objects.FetchObject(ctx, cfg.Bucket, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch object %s/%s: %w", cfg.Bucket, cfg.Key, err)
	}

	switch cfg.Format {
	case "", "json":
		return parseJSONRecords(data, cfg.RecordsField)
	case "csv":
		return parseCSV(strings.NewReader(string(data)))
	}
	return nil, fmt.Errorf("cloud provider: format %q is not supported", cfg.Format)
}
