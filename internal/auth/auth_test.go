package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/tollgate-io/tollgate/internal"
)

type fakeKeyStore struct {
	mu      sync.Mutex
	keys    map[string]*gateway.APIKey // hash -> key
	lookups int
	touched []string
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]*gateway.APIKey{}}
}

func (s *fakeKeyStore) add(raw string, key *gateway.APIKey) {
	key.KeyHash = gateway.HashKey(raw)
	s.keys[key.KeyHash] = key
}

func (s *fakeKeyStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	key, ok := s.keys[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *fakeKeyStore) TouchKeyUsed(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, keyID)
	return nil
}

const testKey = "tg_0123456789abcdef"

func validKey() *gateway.APIKey {
	return &gateway.APIKey{
		ID:        "key-1",
		KeyPrefix: "tg_01234",
		TenantID:  "acme",
		ActorID:   "user-7",
		ActorKind: "user",
		WalletID:  "wal-1",
		Role:      "member",
	}
}

func TestAPIKeyAuthenticate(t *testing.T) {
	t.Parallel()
	store := newFakeKeyStore()
	store.add(testKey, validKey())
	a, err := NewAPIKeyAuth(store, 0)
	if err != nil {
		t.Fatal(err)
	}

	id, err := a.Authenticate(context.Background(), "Bearer "+testKey)
	if err != nil {
		t.Fatal(err)
	}
	if id.TenantID != "acme" || id.ActorID != "user-7" || id.WalletID != "wal-1" {
		t.Errorf("identity = %+v", id)
	}
	if id.AuthMethod != "apikey" {
		t.Errorf("auth method = %q", id.AuthMethod)
	}
}

func TestAPIKeyRejections(t *testing.T) {
	t.Parallel()
	store := newFakeKeyStore()
	store.add(testKey, validKey())

	blocked := validKey()
	blocked.ID = "key-2"
	blocked.Blocked = true
	store.add("tg_blockedblockedblock", blocked)

	past := time.Now().Add(-time.Hour)
	expired := validKey()
	expired.ID = "key-3"
	expired.ExpiresAt = &past
	store.add("tg_expiredexpiredexpir", expired)

	a, err := NewAPIKeyAuth(store, 0)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"missing header", "", gateway.ErrUnauthorized},
		{"no bearer scheme", testKey, gateway.ErrUnauthorized},
		{"wrong prefix", "Bearer sk-other-vendor-key", gateway.ErrUnauthorized},
		{"unknown key", "Bearer tg_nosuchkeynosuchkey", gateway.ErrUnauthorized},
		{"blocked key", "Bearer tg_blockedblockedblock", gateway.ErrKeyBlocked},
		{"expired key", "Bearer tg_expiredexpiredexpir", gateway.ErrKeyExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := a.Authenticate(context.Background(), tc.header); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAPIKeyCacheHitSkipsStore(t *testing.T) {
	t.Parallel()
	store := newFakeKeyStore()
	store.add(testKey, validKey())
	a, err := NewAPIKeyAuth(store, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for range 5 {
		if _, err := a.Authenticate(ctx, "Bearer "+testKey); err != nil {
			t.Fatal(err)
		}
	}
	store.mu.Lock()
	lookups := store.lookups
	store.mu.Unlock()
	if lookups != 1 {
		t.Errorf("store lookups = %d, want 1", lookups)
	}
}

func TestInvalidateByKeyID(t *testing.T) {
	t.Parallel()
	store := newFakeKeyStore()
	store.add(testKey, validKey())
	a, err := NewAPIKeyAuth(store, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := a.Authenticate(ctx, "Bearer "+testKey); err != nil {
		t.Fatal(err)
	}

	// Block the key in the store and evict the cached copy.
	store.mu.Lock()
	store.keys[gateway.HashKey(testKey)].Blocked = true
	store.mu.Unlock()
	a.InvalidateByKeyID("key-1")

	if _, err := a.Authenticate(ctx, "Bearer "+testKey); !errors.Is(err, gateway.ErrKeyBlocked) {
		t.Errorf("err = %v, want ErrKeyBlocked", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	t.Parallel()
	j := NewJWTAuth("top-secret", "tollgate")

	token, err := j.Issue("svc-reporting", "acme", "wal-1", "admin", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	id, err := j.Authenticate(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatal(err)
	}
	if id.TenantID != "acme" || id.ActorID != "svc-reporting" || id.Role != "admin" {
		t.Errorf("identity = %+v", id)
	}
	if id.ActorKind != "service-account" || id.AuthMethod != "jwt" {
		t.Errorf("identity = %+v", id)
	}
}

func TestJWTRejections(t *testing.T) {
	t.Parallel()
	j := NewJWTAuth("top-secret", "tollgate")

	expired, err := j.Issue("svc", "acme", "", "", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Authenticate(context.Background(), "Bearer "+expired); !errors.Is(err, gateway.ErrKeyExpired) {
		t.Errorf("expired token err = %v, want ErrKeyExpired", err)
	}

	other := NewJWTAuth("different-secret", "tollgate")
	good, err := other.Issue("svc", "acme", "", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Authenticate(context.Background(), "Bearer "+good); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("wrong signature err = %v, want ErrUnauthorized", err)
	}

	wrongIssuer := NewJWTAuth("top-secret", "someone-else")
	tok, err := wrongIssuer.Issue("svc", "acme", "", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Authenticate(context.Background(), "Bearer "+tok); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("wrong issuer err = %v, want ErrUnauthorized", err)
	}
}

func TestJWTRejectsUnsignedAlg(t *testing.T) {
	t.Parallel()
	j := NewJWTAuth("top-secret", "tollgate")

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tollgate",
			Subject:   "svc",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		TenantID: "acme",
	})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Authenticate(context.Background(), "Bearer "+raw); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("alg=none err = %v, want ErrUnauthorized", err)
	}
}

func TestMultiDispatch(t *testing.T) {
	t.Parallel()
	store := newFakeKeyStore()
	store.add(testKey, validKey())
	keys, err := NewAPIKeyAuth(store, 0)
	if err != nil {
		t.Fatal(err)
	}
	j := NewJWTAuth("top-secret", "tollgate")
	m := &Multi{Keys: keys, JWT: j}

	ctx := context.Background()
	if id, err := m.Authenticate(ctx, "Bearer "+testKey); err != nil || id.AuthMethod != "apikey" {
		t.Errorf("api key dispatch: id = %+v, err = %v", id, err)
	}

	token, err := j.Issue("svc", "acme", "", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if id, err := m.Authenticate(ctx, "Bearer "+token); err != nil || id.AuthMethod != "jwt" {
		t.Errorf("jwt dispatch: id = %+v, err = %v", id, err)
	}

	if _, err := m.Authenticate(ctx, ""); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("empty header err = %v", err)
	}
}
