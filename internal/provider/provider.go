// Package provider implements the connector registry for upstream LLM adapters.
package provider

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// entry pairs a live adapter with its static configuration.
type entry struct {
	adapter gateway.Provider
	config  *gateway.ConnectorConfig
}

// Registry maps connector IDs to adapters and their configs.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a connector under its config ID.
// It overwrites any previously registered connector with the same ID.
func (r *Registry) Register(cfg *gateway.ConnectorConfig, p gateway.Provider) {
	r.mu.Lock()
	r.entries[cfg.ID] = entry{adapter: p, config: cfg}
	r.mu.Unlock()
}

// Get returns the adapter registered under id, or an error if not found.
func (r *Registry) Get(id string) (gateway.Provider, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector %q not registered", id)
	}
	return e.adapter, nil
}

// Config returns the connector config registered under id, or nil.
func (r *Registry) Config(id string) *gateway.ConnectorConfig {
	r.mu.RLock()
	e := r.entries[id]
	r.mu.RUnlock()
	return e.config
}

// Configs returns all registered connector configs in ID order.
func (r *Registry) Configs() []*gateway.ConnectorConfig {
	r.mu.RLock()
	out := make([]*gateway.ConnectorConfig, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.config)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *gateway.ConnectorConfig) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// List returns a sorted slice of all registered connector IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.entries {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
