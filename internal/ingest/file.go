package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loom-data/loom/engine/internal/domain"
)

// fileConfig is the provider-specific config for file sources.
type fileConfig struct {
	Path         string `json:"path"`
	RecordsField string `json:"recordsField,omitempty"` // json only
}

// FileProvider reads csv or json files from under the data root.
type FileProvider struct {
	dataRoot string
	format   domain.ProviderType
}

// NewFileProvider creates a provider for the given file format (csv or
// json) reading relative to dataRoot.
func NewFileProvider(dataRoot string, format domain.ProviderType) *FileProvider {
	return &FileProvider{dataRoot: dataRoot, format: format}
}

// Type implements Provider.
func (p *FileProvider) Type() domain.ProviderType {
	return p.format
}

// Fetch implements Provider.
func (p *FileProvider) Fetch(_ context.Context, ds *domain.DataSource) ([]domain.Record, error) {
	var cfg fileConfig
	if err := json.Unmarshal(ds.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse file provider config: %w", err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("missing required field: path")
	}

	path, err := p.resolve(cfg.Path)
	if err != nil {
		return nil, err
	}

	switch p.format {
	case domain.ProviderCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open csv file: %w", err)
		}
		defer f.Close()
		return parseCSV(f)
	case domain.ProviderJSON:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read json file: %w", err)
		}
		return parseJSONRecords(data, cfg.RecordsField)
	}
	return nil, fmt.Errorf("file provider: format %q is not supported", p.format)
}

// resolve confines a configured path to the data root.
func (p *FileProvider) resolve(configured string) (string, error) {
	if filepath.IsAbs(configured) {
		return "", fmt.Errorf("access denied: absolute paths are not allowed")
	}
	path := filepath.Clean(filepath.Join(p.dataRoot, configured))
	rel, err := filepath.Rel(p.dataRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: path escapes the data root")
	}
	return path, nil
}
