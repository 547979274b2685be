package app

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/storage"
)

// tenantCacheTTL is how long resolved tenants stay cached before re-reading
// from the store. Short enough to pick up admin changes quickly, long enough
// to keep the per-request lookup off the database.
const tenantCacheTTL = 10 * time.Second

// TenantResolver resolves tenant records on the request path. Residency,
// cache threshold, and plan tier all come from the tenant record, so every
// proxied request needs one; results are cached to avoid per-request reads.
type TenantResolver struct {
	store storage.TenantStore
	cache *otter.Cache[string, *gateway.Tenant]
}

// NewTenantResolver returns a TenantResolver backed by the given store.
func NewTenantResolver(store storage.TenantStore) *TenantResolver {
	cache := otter.Must(&otter.Options[string, *gateway.Tenant]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Tenant](tenantCacheTTL),
	})
	return &TenantResolver{store: store, cache: cache}
}

// Resolve returns the tenant record for id, from cache when fresh.
func (tr *TenantResolver) Resolve(ctx context.Context, id string) (*gateway.Tenant, error) {
	if cached, ok := tr.cache.GetIfPresent(id); ok {
		return cached, nil
	}
	t, err := tr.store.GetTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %q: %w", id, err)
	}
	tr.cache.Set(id, t)
	return t, nil
}

// Invalidate drops the cached record after an admin mutation.
func (tr *TenantResolver) Invalidate(id string) {
	tr.cache.Invalidate(id)
}
