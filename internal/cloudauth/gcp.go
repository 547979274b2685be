package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GCPOAuthTransport stamps each outbound request with an OAuth2 bearer
// token minted from Application Default Credentials. The wrapped token
// source caches and refreshes, so per-request overhead is a map lookup
// except when a token actually expires.
type GCPOAuthTransport struct {
	next   http.RoundTripper
	tokens oauth2.TokenSource
}

// NewGCPOAuthTransport discovers ADC credentials for the given scopes and
// wraps base with bearer-token injection.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return newGCPOAuthTransportFromSource(base, creds.TokenSource), nil
}

func newGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		next:   base,
		tokens: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip implements http.RoundTripper. The inbound request is never
// mutated; the token lands on a clone.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	signed := r.Clone(r.Context())
	signed.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return fallback(t.next).RoundTrip(signed)
}
