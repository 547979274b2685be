// Package app implements application-level services for the Tollgate gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/storage"
)

// KeyManager handles API key lifecycle (create, delete).
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts holds all fields for API key creation.
type CreateKeyOpts struct {
	TenantID  string
	ActorID   string
	ActorKind string
	WalletID  string
	TeamID    string
	Role      string
	RPMLimit  *int64
	TPMLimit  *int64
	ExpiresAt *time.Time
}

// CreateKey generates a new API key with the given options, stores its hash,
// and returns the plaintext (shown once) along with the persisted APIKey record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := gateway.HashKey(plaintext)
	prefix := plaintext
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	role := opts.Role
	if role == "" {
		role = "member"
	}
	kind := opts.ActorKind
	if kind == "" {
		kind = "user"
	}

	key := &gateway.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		KeyHash:   hash,
		KeyPrefix: prefix,
		TenantID:  opts.TenantID,
		ActorID:   opts.ActorID,
		ActorKind: kind,
		WalletID:  opts.WalletID,
		TeamID:    opts.TeamID,
		Role:      role,
		RPMLimit:  opts.RPMLimit,
		TPMLimit:  opts.TPMLimit,
		ExpiresAt: opts.ExpiresAt,
		CreatedAt: time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// DeleteKey removes the API key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
