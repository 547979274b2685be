package health

import (
	"sync"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Registry manages per-connector Tracker instances.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	config   Config
}

// NewRegistry creates a tracker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		trackers: make(map[string]*Tracker),
		config:   cfg,
	}
}

// Get returns the tracker for the given connector ID, or nil if none exists.
func (r *Registry) Get(connectorID string) *Tracker {
	r.mu.RLock()
	t := r.trackers[connectorID]
	r.mu.RUnlock()
	return t
}

// GetOrCreate returns the tracker for connectorID, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(connectorID string) *Tracker {
	r.mu.RLock()
	t, ok := r.trackers[connectorID]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[connectorID]; ok {
		return t
	}
	t = NewTracker(r.config)
	r.trackers[connectorID] = t
	return t
}

// States returns a snapshot of all connector states for the admin surface.
func (r *Registry) States() map[string]gateway.HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]gateway.HealthState, len(r.trackers))
	for id, t := range r.trackers {
		out[id] = t.State()
	}
	return out
}

// EvictStale removes trackers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, t := range r.trackers {
		if t.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if t, ok := r.trackers[k]; ok {
			if t.LastUsed().Before(cutoff) {
				delete(r.trackers, k)
				evicted++
			}
		}
	}
	return evicted
}
