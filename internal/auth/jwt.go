package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Claims is the token payload for service-account access.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	WalletID string `json:"wallet_id,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
	Role     string `json:"role,omitempty"`
	// Orgs lists additional tenants this service account may act in via
	// the org override header.
	Orgs []string `json:"orgs,omitempty"`
}

// JWTAuth authenticates HMAC-signed service-account tokens.
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth returns a JWTAuth verifying tokens signed with secret and
// issued by issuer.
func NewJWTAuth(secret, issuer string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), issuer: issuer}
}

// Authenticate verifies a bearer token and returns the service account's
// identity. Expired tokens map to ErrKeyExpired, everything else to
// ErrUnauthorized.
func (j *JWTAuth) Authenticate(_ context.Context, authorization string) (*gateway.Identity, error) {
	raw := bearerToken(authorization)
	if raw == "" || len(j.secret) == 0 {
		return nil, gateway.ErrUnauthorized
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return j.secret, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, gateway.ErrKeyExpired
		}
		return nil, gateway.ErrUnauthorized
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, gateway.ErrUnauthorized
	}

	role := claims.Role
	if role == "" {
		role = "member"
	}
	return &gateway.Identity{
		Subject:     claims.Subject,
		TenantID:    claims.TenantID,
		ActorID:     claims.Subject,
		ActorKind:   "service-account",
		WalletID:    claims.WalletID,
		TeamID:      claims.TeamID,
		Role:        role,
		AuthMethod:  "jwt",
		AllowedOrgs: claims.Orgs,
	}, nil
}

// Issue mints a signed token for a service account. Used by the admin API.
func (j *JWTAuth) Issue(subject, tenantID, walletID, role string, ttl time.Duration) (string, error) {
	if len(j.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		WalletID: walletID,
		Role:     role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Multi routes a credential to the matching authenticator: "tg_" keys to
// the key store, anything else to JWT verification when configured.
type Multi struct {
	Keys *APIKeyAuth
	JWT  *JWTAuth
}

// Authenticate implements gateway.Authenticator.
func (m *Multi) Authenticate(ctx context.Context, authorization string) (*gateway.Identity, error) {
	raw := bearerToken(authorization)
	if raw == "" {
		return nil, gateway.ErrUnauthorized
	}
	if len(raw) >= len(gateway.APIKeyPrefix) && raw[:len(gateway.APIKeyPrefix)] == gateway.APIKeyPrefix {
		return m.Keys.Authenticate(ctx, authorization)
	}
	if m.JWT != nil {
		return m.JWT.Authenticate(ctx, authorization)
	}
	return nil, gateway.ErrUnauthorized
}
