// Package provider defines the abstract capability set external satellite
// data providers must implement (spec.md §4.3, §9 — "duck-typed provider
// registry → interface abstraction"), generalizing the teacher's
// ai.Provider + ai.Registry pattern (internal/ai/registry.go) from chat
// completions to search/resolve.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nimbuschain/fetch/internal/model"
)

// Product is one provider-defined acquisition unit.
type Product struct {
	ID       string
	Metadata map[string]any
}

// DownloadTarget is one file to retrieve for a Product.
type DownloadTarget struct {
	URL              string
	SuggestedFilename string
}

// Provider is the capability set every concrete implementation (out of
// scope for this module) must satisfy.
type Provider interface {
	// Authenticate establishes or refreshes credentials. Implementations
	// that don't need it may no-op.
	Authenticate(ctx context.Context) error

	// Search returns the products matching a search_download request.
	Search(ctx context.Context, req *model.SearchDownloadRequest) ([]Product, error)

	// Resolve returns download targets for a product. collection is
	// passed explicitly rather than mutating provider state (spec.md §9
	// open question, resolved in DESIGN.md).
	Resolve(ctx context.Context, collection string, productID string) ([]DownloadTarget, error)

	// AuthHeader returns the current Authorization header value.
	AuthHeader(ctx context.Context) (string, error)
}

// TokenRefresher is implemented by providers whose Authorization value can
// expire mid-job; DownloadManager calls RefreshToken on HTTP 401.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) (string, error)
}

// Factory builds a Provider instance, mirroring ai.ProviderFactory.
type Factory func(ctx context.Context) (Provider, error)

// Registry maps a provider key (spec.md §3 "copernicus"/"usgs") to a
// Factory, the same shape as the teacher's ai.Registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return f(ctx)
}
