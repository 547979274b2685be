package semcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/semaphore"
)

// Config holds cache behavior settings.
type Config struct {
	MaxEntriesPerTenant int
	DefaultTTL          time.Duration
	Threshold           float64 // default cosine similarity floor
	LookupTimeout       time.Duration
	MaxConcurrentEmbeds int64
}

// Hit is a successful cache lookup.
type Hit struct {
	Response   []byte
	Similarity float64
	Model      string
}

// stored is one cached completion with its expiry.
type stored struct {
	response  []byte
	model     string
	expiresAt time.Time
}

// vecRef pairs an entry id with its embedding for the similarity scan.
type vecRef struct {
	id  string
	vec []float32
}

// tenantIndex holds one tenant's entries: an otter cache enforcing the TTL
// and entry budget, plus the vector list scanned for nearest neighbor.
// Vectors whose entry was evicted are pruned lazily during scans.
type tenantIndex struct {
	cache *otter.Cache[string, stored]

	mu   sync.Mutex
	vecs []vecRef
}

// Cache is the tenant-scoped semantic cache.
type Cache struct {
	embedder Embedder
	cfg      Config
	log      *slog.Logger
	sem      *semaphore.Weighted

	mu      sync.RWMutex
	tenants map[string]*tenantIndex
}

// New creates a semantic cache over the given embedder.
func New(embedder Embedder, cfg Config, log *slog.Logger) (*Cache, error) {
	if embedder == nil {
		embedder = LocalEmbedder{}
	}
	if cfg.MaxEntriesPerTenant <= 0 {
		cfg.MaxEntriesPerTenant = 10_000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.97
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 50 * time.Millisecond
	}
	if cfg.MaxConcurrentEmbeds <= 0 {
		cfg.MaxConcurrentEmbeds = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		embedder: embedder,
		cfg:      cfg,
		log:      log,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentEmbeds),
		tenants:  make(map[string]*tenantIndex),
	}, nil
}

func (c *Cache) tenant(tenantID string, maxEntries int) (*tenantIndex, error) {
	c.mu.RLock()
	idx, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if ok {
		return idx, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok = c.tenants[tenantID]; ok {
		return idx, nil
	}
	if maxEntries <= 0 {
		maxEntries = c.cfg.MaxEntriesPerTenant
	}
	// Per-entry expiry: each stored value carries its own deadline, so a
	// request TTL above the default is honored instead of clipped to it.
	oc, err := otter.New[string, stored](&otter.Options[string, stored]{
		MaximumSize: maxEntries,
		ExpiryCalculator: otter.ExpiryWritingFunc[string, stored](func(e otter.Entry[string, stored]) time.Duration {
			return time.Until(e.Value.expiresAt)
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("semcache: create index for %s: %w", tenantID, err)
	}
	idx = &tenantIndex{cache: oc}
	c.tenants[tenantID] = idx
	return idx, nil
}

// embed runs the embedder behind the concurrency semaphore, bounded by ctx.
func (c *Cache) embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.embedder.Embed(ctx, text)
}

// Lookup returns the nearest cached response at or above the threshold, or
// nil on a miss. threshold <= 0 uses the default. When the lookup runs past
// its deadline the cache is bypassed: (nil, nil) so the request proceeds.
func (c *Cache) Lookup(ctx context.Context, tenantID, text string, threshold float64) (*Hit, error) {
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	vec, err := c.embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			c.log.Debug("semcache lookup deadline exceeded, bypassing", "tenant", tenantID)
			return nil, nil
		}
		return nil, err
	}

	c.mu.RLock()
	idx, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	best := -1
	bestSim := threshold
	live := idx.vecs[:0]
	for _, ref := range idx.vecs {
		if _, present := idx.cache.GetIfPresent(ref.id); !present {
			continue // evicted or expired, prune
		}
		live = append(live, ref)
		if sim := cosine(vec, ref.vec); sim >= bestSim {
			best = len(live) - 1
			bestSim = sim
		}
	}
	idx.vecs = live

	if best < 0 {
		return nil, nil
	}
	e, present := idx.cache.GetIfPresent(live[best].id)
	if !present || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	return &Hit{Response: e.response, Similarity: bestSim, Model: e.model}, nil
}

// Store caches a completed response under the prompt's embedding.
// maxEntries > 0 overrides the per-tenant budget on first use; ttl <= 0
// uses the default.
func (c *Cache) Store(ctx context.Context, tenantID, text, model string, response []byte, ttl time.Duration, maxEntries int) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	vec, err := c.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("semcache: store: %w", err)
	}
	idx, err := c.tenant(tenantID, maxEntries)
	if err != nil {
		return err
	}

	id := uuid.Must(uuid.NewV7()).String()
	idx.cache.Set(id, stored{
		response:  response,
		model:     model,
		expiresAt: time.Now().Add(ttl),
	})
	idx.mu.Lock()
	idx.vecs = append(idx.vecs, vecRef{id: id, vec: vec})
	idx.mu.Unlock()
	return nil
}

// PurgeTenant drops a tenant's entire index.
func (c *Cache) PurgeTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.tenants[tenantID]; ok {
		idx.cache.InvalidateAll()
		delete(c.tenants, tenantID)
	}
}

// Entries reports the live entry count for a tenant.
func (c *Cache) Entries(tenantID string) int {
	c.mu.RLock()
	idx, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return idx.cache.EstimatedSize()
}
