// Package cloudauth decorates http.RoundTripper with the credential
// schemes the connector fleet needs: rotating API keys, GCP OAuth for
// Vertex hosting, and AWS SigV4 for Bedrock hosting.
package cloudauth

import "net/http"

// KeySource returns the current API key for a connector. Implementations
// typically resolve a ${secret:...} reference, so a rotated secret takes
// effect without restarting the gateway.
type KeySource func() (string, error)

// StaticKey returns a KeySource that always yields key.
func StaticKey(key string) KeySource {
	return func() (string, error) { return key, nil }
}

// fallback substitutes http.DefaultTransport for a nil base.
func fallback(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}

// APIKeyTransport is an http.RoundTripper that injects an API key header on
// every outbound request. HeaderName is the header to set (e.g.
// "Authorization", "x-api-key"). Prefix is prepended to the key (e.g.
// "Bearer " for Authorization headers).
type APIKeyTransport struct {
	Source     KeySource
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header from the current key.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	key, err := t.Source()
	if err != nil {
		return nil, err
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+key)
	return t.base().RoundTrip(r2)
}

func (t *APIKeyTransport) base() http.RoundTripper {
	return fallback(t.Base)
}
