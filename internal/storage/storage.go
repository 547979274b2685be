// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// TenantStore manages tenant persistence.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *gateway.Tenant) error
	GetTenant(ctx context.Context, id string) (*gateway.Tenant, error)
	ListTenants(ctx context.Context) ([]*gateway.Tenant, error)
	UpdateTenant(ctx context.Context, t *gateway.Tenant) error
	DeleteTenant(ctx context.Context, id string) error
}

// WalletStore manages budget tree persistence. UpdateWalletUsage is the
// write-behind path used by the in-memory wallet service; version guards
// against stale flushes overwriting newer state.
type WalletStore interface {
	CreateWallet(ctx context.Context, w *gateway.Wallet) error
	GetWallet(ctx context.Context, id string) (*gateway.Wallet, error)
	ListWallets(ctx context.Context, tenantID string) ([]*gateway.Wallet, error)
	UpdateWalletUsage(ctx context.Context, id string, spent, reserved, hardLimit float64, version int64) error
	DeleteWallet(ctx context.Context, id string) error
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// RuleStore manages routing rule persistence.
type RuleStore interface {
	CreateRule(ctx context.Context, r *gateway.RoutingRule) error
	GetRule(ctx context.Context, id string) (*gateway.RoutingRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*gateway.RoutingRule, error)
	UpdateRule(ctx context.Context, r *gateway.RoutingRule) error
	DeleteRule(ctx context.Context, id string) error
}

// LedgerStore manages the append-only audit chain.
type LedgerStore interface {
	AppendLedgerRecord(ctx context.Context, rec *gateway.LedgerRecord) error
	LastLedgerRecord(ctx context.Context, tenantID string) (*gateway.LedgerRecord, error)
	ListLedgerRecords(ctx context.Context, tenantID string, fromSeq int64, limit int) ([]*gateway.LedgerRecord, error)
}

// AnalyticsStore manages the analytics event sink and cost reporting.
type AnalyticsStore interface {
	InsertAnalyticsBatch(ctx context.Context, records []gateway.AnalyticsRecord) error
	AggregateCost(ctx context.Context, f gateway.CostFilter) ([]*gateway.CostBucket, error)
}

// IncidentStore manages security incident persistence.
type IncidentStore interface {
	InsertIncidents(ctx context.Context, incidents []gateway.Incident) error
	ListIncidents(ctx context.Context, tenantID string, limit int) ([]*gateway.Incident, error)
}

// HoldStore manages the quarantine hold queue. Entries reference requests by
// correlation id; prompt content is never persisted.
type HoldStore interface {
	InsertHeldRequest(ctx context.Context, h *gateway.HeldRequest) error
	ListHeldRequests(ctx context.Context, tenantID string, limit int) ([]*gateway.HeldRequest, error)
}

// Store combines all storage interfaces.
type Store interface {
	TenantStore
	WalletStore
	APIKeyStore
	RuleStore
	LedgerStore
	AnalyticsStore
	IncidentStore
	HoldStore
	Ping(ctx context.Context) error
	Close() error
}
