// Package ingest implements the import flow: fetch records from a
// provider, validate, transform, reduce by delta mode, run quality
// checks, and append a new version to the data source's store.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/loom-data/loom/engine/internal/domain"
)

// Provider fetches raw records for one data source.
type Provider interface {
	Type() domain.ProviderType
	Fetch(ctx context.Context, ds *domain.DataSource) ([]domain.Record, error)
}

// Change is one entry from a provider change feed.
type Change struct {
	Op     string // "upsert" or "delete"
	Key    string
	Record domain.Record // nil for deletes
}

// ChangeFeed is implemented by providers that can emit incremental
// changes. Required for cdc delta mode.
type ChangeFeed interface {
	// Changes returns changes after the given cursor plus the new cursor.
	Changes(ctx context.Context, ds *domain.DataSource, cursor string) ([]Change, string, error)
}

// Registry maps provider types to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.ProviderType]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.ProviderType]Provider)}
}

// Register adds or replaces the provider for its type.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

// Resolve returns the provider for a type.
func (r *Registry) Resolve(t domain.ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	if !ok {
		return nil, fmt.Errorf("provider %q is not supported", t)
	}
	return p, nil
}
