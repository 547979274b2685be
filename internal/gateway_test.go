package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()
	h1 := HashKey("tg_abc123")
	h2 := HashKey("tg_abc123")
	h3 := HashKey("tg_abc124")

	if h1 != h2 {
		t.Error("same input should produce same hash")
	}
	if h1 == h3 {
		t.Error("different inputs should produce different hashes")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestWalletAvailable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		w    Wallet
		want float64
	}{
		{"empty", Wallet{HardLimit: 100}, 100},
		{"spent", Wallet{HardLimit: 100, Spent: 40}, 60},
		{"spent and reserved", Wallet{HardLimit: 100, Spent: 40, Reserved: 10}, 50},
		{"overdraft extends limit", Wallet{HardLimit: 100, Overdraft: 20, Spent: 110}, 10},
		{"exhausted", Wallet{HardLimit: 100, Spent: 90, Reserved: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Available(); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWalletUtilization(t *testing.T) {
	t.Parallel()
	w := Wallet{HardLimit: 200, Spent: 150}
	if got := w.Utilization(); got != 0.75 {
		t.Errorf("Utilization() = %v, want 0.75", got)
	}
	unlimited := Wallet{HardLimit: 0, Spent: 50}
	if got := unlimited.Utilization(); got != 0 {
		t.Errorf("unlimited Utilization() = %v, want 0", got)
	}
}

func TestConnectorServesRegion(t *testing.T) {
	t.Parallel()
	c := &ConnectorConfig{Regions: []string{"eu", "us"}}
	if !c.ServesRegion("eu") {
		t.Error("eu should be served")
	}
	if c.ServesRegion("apac") {
		t.Error("apac should not be served")
	}
	if !c.ServesRegion("") {
		t.Error("empty constraint matches any connector")
	}
	anywhere := &ConnectorConfig{}
	if !anywhere.ServesRegion("eu") {
		t.Error("connector without regions serves any residency")
	}
}

func TestConnectorModel(t *testing.T) {
	t.Parallel()
	c := &ConnectorConfig{Models: []ModelSpec{
		{Name: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10},
		{Name: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.6},
	}}
	if m := c.Model("gpt-4o-mini"); m == nil || m.OutputPer1M != 0.6 {
		t.Errorf("Model(gpt-4o-mini) = %+v", m)
	}
	if m := c.Model("nope"); m != nil {
		t.Errorf("unknown model = %+v, want nil", m)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err        error
		code       string
		wantStatus int
	}{
		{ErrUnauthorized, CodeAuthenticationFailed, 401},
		{ErrKeyExpired, CodeAuthenticationFailed, 401},
		{ErrKeyBlocked, CodeAuthenticationFailed, 401},
		{ErrWalletExhausted, CodeWalletExhausted, 402},
		{ErrPolicyDenied, CodePolicyDenied, 403},
		{ErrModelNotAllowed, CodePolicyDenied, 403},
		{ErrNotFound, CodeNotFound, 404},
		{ErrSecurityViolation, CodeSecurityViolation, 422},
		{ErrQuarantined, CodeQuarantined, 422},
		{ErrRateLimited, CodeRateLimited, 429},
		{ErrBadRequest, CodeInvalidRequest, 400},
		{ErrUpstreamExhausted, CodeUpstreamExhausted, 502},
		{ErrNoConnector, CodeUpstreamUnavailable, 503},
		{ErrUpstreamTimeout, CodeTimeout, 504},
		{errors.New("boom"), CodeInternalError, 500},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			code := ErrorCode(tt.err)
			if code != tt.code {
				t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, code, tt.code)
			}
			if got := StatusForCode(code); got != tt.wantStatus {
				t.Errorf("StatusForCode(%q) = %d, want %d", code, got, tt.wantStatus)
			}
		})
	}
}

func TestErrorCodeWrapped(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("charging wallet w-1: %w", ErrWalletExhausted)
	if got := ErrorCode(wrapped); got != CodeWalletExhausted {
		t.Errorf("wrapped ErrorCode = %q, want %q", got, CodeWalletExhausted)
	}
}

func TestContextMetaSingleAllocation(t *testing.T) {
	t.Parallel()
	ctx := ContextWithCorrelationID(context.Background(), "corr-1")
	id := &Identity{TenantID: "t-1", ActorID: "u-1"}

	// Identity lands in the same meta; the context value is unchanged.
	ctx2 := ContextWithIdentity(ctx, id)
	if ctx2 != ctx {
		t.Error("identity should reuse existing request meta")
	}
	if got := IdentityFromContext(ctx); got != id {
		t.Errorf("identity = %+v, want stored pointer", got)
	}
	if got := CorrelationIDFromContext(ctx); got != "corr-1" {
		t.Errorf("correlation id = %q, want corr-1", got)
	}

	AppendPolicyAction(ctx, "redact")
	AppendPolicyAction(ctx, "reroute")
	if got := PolicyActionsFromContext(ctx); len(got) != 2 || got[0] != "redact" {
		t.Errorf("policy actions = %v", got)
	}
}

func TestContextEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if IdentityFromContext(ctx) != nil {
		t.Error("identity on empty context should be nil")
	}
	if CorrelationIDFromContext(ctx) != "" {
		t.Error("correlation id on empty context should be empty")
	}
	if ExtensionsFromContext(ctx) != nil {
		t.Error("extensions on empty context should be nil")
	}
	// must not panic
	AppendPolicyAction(ctx, "noop")
}
