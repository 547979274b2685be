// Package auth validates caller credentials: long-lived API keys with the
// "tg_" prefix and short-lived HMAC service-account tokens. Resolved keys
// are cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/tollgate-io/tollgate/internal"
)

const cacheMaxLen = 10_000 // max concurrent active keys expected per deployment

// KeyStore is the persistence interface consumed by APIKeyAuth.
type KeyStore interface {
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	TouchKeyUsed(ctx context.Context, keyID string) error
}

// APIKeyAuth authenticates bearer keys against the store.
type APIKeyAuth struct {
	store       KeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns an APIKeyAuth backed by store. cacheTTL bounds how
// long a revocation can go unnoticed; <= 0 uses 30s.
func NewAPIKeyAuth(store KeyStore, cacheTTL time.Duration) (*APIKeyAuth, error) {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate resolves a bearer credential to the caller's identity.
// Only keys with the "tg_" prefix are handled; everything else is rejected.
func (a *APIKeyAuth) Authenticate(ctx context.Context, authorization string) (*gateway.Identity, error) {
	raw := bearerToken(authorization)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkKey(key); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Constant-time comparison of the stored hash against the computed hash.
	// The DB lookup already matched; this guards against collation surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp off the request path.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// InvalidateByKeyID evicts a cached key after an admin block, update or
// delete so the change takes effect before the TTL.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func checkKey(key *gateway.APIKey) error {
	if key.Blocked {
		return gateway.ErrKeyBlocked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return gateway.ErrKeyExpired
	}
	return nil
}

// bearerToken extracts the credential from an Authorization header value.
func bearerToken(authorization string) string {
	token := strings.TrimPrefix(authorization, "Bearer ")
	if token == authorization {
		return ""
	}
	return token
}

func buildIdentity(key *gateway.APIKey) *gateway.Identity {
	role := key.Role
	if role == "" {
		role = "member"
	}
	id := &gateway.Identity{
		Subject:    key.KeyPrefix,
		KeyID:      key.ID,
		TenantID:   key.TenantID,
		ActorID:    key.ActorID,
		ActorKind:  key.ActorKind,
		WalletID:   key.WalletID,
		TeamID:     key.TeamID,
		Role:       role,
		AuthMethod: "apikey",
	}
	if key.RPMLimit != nil {
		id.RPMLimit = *key.RPMLimit
	}
	if key.TPMLimit != nil {
		id.TPMLimit = *key.TPMLimit
	}
	return id
}
