// Package secret resolves ${secret:name} references in configuration against
// a pluggable secret provider, with short-lived caching.
package secret

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// Provider fetches secret values from a backing store.
type Provider interface {
	// Get returns the secret value for name, or an error when absent.
	Get(ctx context.Context, name string) (string, error)
	// Close releases provider resources.
	Close() error
}

var refPattern = regexp.MustCompile(`\$\{secret:([^}]+)\}`)

type cached struct {
	value   string
	fetched time.Time
}

// Manager caches secret lookups in front of a Provider.
type Manager struct {
	provider Provider
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cached
}

// NewManager wraps provider with a cache. A zero ttl disables caching.
func NewManager(provider Provider, ttl time.Duration) *Manager {
	return &Manager{
		provider: provider,
		ttl:      ttl,
		cache:    make(map[string]cached),
	}
}

// Get returns the named secret, consulting the cache first.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	if m.ttl > 0 {
		m.mu.RLock()
		c, ok := m.cache[name]
		m.mu.RUnlock()
		if ok && time.Since(c.fetched) < m.ttl {
			return c.value, nil
		}
	}

	val, err := m.provider.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}

	if m.ttl > 0 {
		m.mu.Lock()
		m.cache[name] = cached{value: val, fetched: time.Now()}
		m.mu.Unlock()
	}
	return val, nil
}

// Resolve replaces every ${secret:name} reference in s with the secret value.
// A string without references is returned unchanged without provider calls.
func (m *Manager) Resolve(ctx context.Context, s string) (string, error) {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	out := s
	for _, match := range matches {
		val, err := m.Get(ctx, match[1])
		if err != nil {
			return "", err
		}
		out = refPattern.ReplaceAllStringFunc(out, func(ref string) string {
			if ref == match[0] {
				return val
			}
			return ref
		})
	}
	return out, nil
}

// Invalidate drops all cached values, forcing fresh provider reads.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cache = make(map[string]cached)
	m.mu.Unlock()
	slog.Debug("secret cache invalidated")
}

// Close closes the underlying provider.
func (m *Manager) Close() error {
	return m.provider.Close()
}
