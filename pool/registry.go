package pool

import (
	"context"
	"sync"

	"github.com/linvanda2/mysql/connector"
)

// Registry deduplicates pools by cluster identity: asking twice for the same
// builder key returns the same pool. The package keeps a default registry;
// tests create isolated ones.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Get returns the pool for the builder's cluster, creating it on first use.
// cfg only applies to the creating call.
func (r *Registry) Get(ctx context.Context, b *connector.Builder, cfg *Config) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := b.Key()
	if p, ok := r.pools[key]; ok {
		return p
	}

	p := NewPool(ctx, b, cfg)
	p.registry = r
	p.key = key
	r.pools[key] = p
	return p
}

func (r *Registry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, key)
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
