// Package gateway defines domain types and interfaces for the Tollgate AI gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Provider ---

// Provider is the interface that all upstream connector adapters implement.
type Provider interface {
	// Name returns the connector instance identifier (e.g. "openai-us", "anthropic-eu").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// HealthCheck verifies connectivity to the upstream.
	HealthCheck(ctx context.Context) error
}

// ChatRequest represents an OpenAI-compatible chat completion request.
// The Tollgate field carries optional gateway extensions and is stripped
// before the request is forwarded upstream.
type ChatRequest struct {
	Model            string             `json:"model"`
	Messages         []Message          `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                int                `json:"n,omitempty"`
	Stream           bool               `json:"stream,omitempty"`
	StreamOptions    *StreamOptions     `json:"stream_options,omitempty"`
	Stop             json.RawMessage    `json:"stop,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	Seed             *int               `json:"seed,omitempty"`
	User             string             `json:"user,omitempty"`
	Tools            json.RawMessage    `json:"tools,omitempty"`
	ToolChoice       json.RawMessage    `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage    `json:"response_format,omitempty"`
	Tollgate         *RequestExtensions `json:"tollgate,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// RequestExtensions is the optional per-request extension object clients may
// attach under the "tollgate" key. All fields are optional.
type RequestExtensions struct {
	Strategy           string   `json:"strategy,omitempty"` // "cost", "latency", "priority"
	FallbackModels     []string `json:"fallback_models,omitempty"`
	CacheEnabled       *bool    `json:"cache,omitempty"`
	CacheTTLSeconds    int      `json:"cache_ttl_s,omitempty"`
	FeatureTag         string   `json:"feature,omitempty"`
	BudgetGroup        string   `json:"budget_group,omitempty"`
	DryRun             bool     `json:"dry_run,omitempty"`
	DataClassification string   `json:"data_classification,omitempty"`
}

// ResponseExtensions is attached to every response body under the "tollgate"
// key and mirrored in X-Tollgate-* headers.
type ResponseExtensions struct {
	CorrelationID  string   `json:"correlation_id"`
	Provider       string   `json:"provider"`
	ModelRequested string   `json:"model_requested"`
	ModelUsed      string   `json:"model_used"`
	RoutingReason  string   `json:"routing_reason"`
	CostUSD        float64  `json:"cost_usd"`
	CacheHit       bool     `json:"cache_hit"`
	Similarity     float64  `json:"similarity,omitempty"`
	WalletBalance  float64  `json:"wallet_balance"`
	PolicyActions  []string `json:"policy_actions,omitempty"`
}

// Message represents a chat message. Content is kept raw because it may be a
// string or a multimodal part array.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string              `json:"id"`
	Object            string              `json:"object"`
	Created           int64               `json:"created"`
	Model             string              `json:"model"`
	Choices           []Choice            `json:"choices"`
	Usage             *Usage              `json:"usage,omitempty"`
	SystemFingerprint string              `json:"system_fingerprint,omitempty"`
	Tollgate          *ResponseExtensions `json:"tollgate,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, forwarded as-is when possible
	Usage *Usage // non-nil when the upstream reports authoritative usage
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// CompletionRequest is the legacy /v1/completions request. The gateway
// translates it into a single-message chat request before routing.
type CompletionRequest struct {
	Model       string             `json:"model"`
	Prompt      json.RawMessage    `json:"prompt"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	User        string             `json:"user,omitempty"`
	Tollgate    *RequestExtensions `json:"tollgate,omitempty"`
}

// --- Tenancy ---

// Tenant is the top-level isolation boundary. Every other entity belongs to
// exactly one tenant.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PlanTier        string    `json:"plan_tier"`
	Residency       string    `json:"residency"` // required region, "" = any
	PolicySet       string    `json:"policy_set"`
	KeyRef          string    `json:"key_ref"`
	CacheThreshold  float64   `json:"cache_threshold,omitempty"`
	CacheMaxEntries int       `json:"cache_max_entries,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// WalletKind identifies a node's level in the budget tree.
type WalletKind string

const (
	WalletOrganization   WalletKind = "organization"
	WalletDepartment     WalletKind = "department"
	WalletTeam           WalletKind = "team"
	WalletUser           WalletKind = "user"
	WalletServiceAccount WalletKind = "service-account"
)

// Wallet is a node in the hierarchical budget tree.
// Invariant: Spent + Reserved <= HardLimit + Overdraft at all times.
type Wallet struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	ParentID       string     `json:"parent_id,omitempty"` // "" for root
	Kind           WalletKind `json:"kind"`
	HardLimit      float64    `json:"hard_limit"`
	Spent          float64    `json:"spent"`
	Reserved       float64    `json:"reserved"`
	Overdraft      float64    `json:"overdraft"`
	SoftThresholds []float64  `json:"soft_thresholds,omitempty"` // fractions of HardLimit
	ResetPeriod    string     `json:"reset_period,omitempty"`    // "monthly", "weekly", "daily"
	ResetDay       int        `json:"reset_day,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Available returns the headroom on this node alone, ignoring ancestors.
func (w *Wallet) Available() float64 {
	return w.HardLimit + w.Overdraft - w.Spent - w.Reserved
}

// Utilization returns spent as a fraction of the hard limit (0 when unlimited).
func (w *Wallet) Utilization() float64 {
	if w.HardLimit <= 0 {
		return 0
	}
	return w.Spent / w.HardLimit
}

// APIKey represents an API key for client authentication.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix  string     `json:"key_prefix"` // first 8 chars for display
	TenantID   string     `json:"tenant_id"`
	ActorID    string     `json:"actor_id"`
	ActorKind  string     `json:"actor_kind"` // "user" or "service-account"
	WalletID   string     `json:"wallet_id"`
	TeamID     string     `json:"team_id,omitempty"`
	Role       string     `json:"role"`
	RPMLimit   *int64     `json:"rpm_limit,omitempty"`
	TPMLimit   *int64     `json:"tpm_limit,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Blocked    bool       `json:"blocked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	Subject    string `json:"subject"`
	KeyID      string `json:"key_id"`
	TenantID   string `json:"tenant_id"`
	ActorID    string `json:"actor_id"`
	ActorKind  string `json:"actor_kind"`
	WalletID   string `json:"wallet_id"`
	TeamID     string `json:"team_id"`
	Role       string `json:"role"`
	AuthMethod string `json:"auth_method"` // "apikey" or "jwt"
	RPMLimit   int64  `json:"-"`           // 0 = unlimited
	TPMLimit   int64  `json:"-"`

	// AllowedOrgs lists additional tenants a service account may act in
	// via the org override header. Empty for everyone else.
	AllowedOrgs []string `json:"allowed_orgs,omitempty"`
}

// MayActIn reports whether the identity may act on behalf of tenant.
// Only service accounts carry cross-tenant grants.
func (i *Identity) MayActIn(tenant string) bool {
	if tenant == i.TenantID {
		return true
	}
	if i.ActorKind != "service-account" {
		return false
	}
	for _, org := range i.AllowedOrgs {
		if org == tenant {
			return true
		}
	}
	return false
}

// --- Routing ---

// RuleAction is the action a routing rule takes when its condition matches.
type RuleAction string

const (
	ActionReroute         RuleAction = "reroute"
	ActionBlock           RuleAction = "block"
	ActionRequireApproval RuleAction = "require-approval"
	ActionAllow           RuleAction = "allow"
	ActionAddMetadata     RuleAction = "add-metadata"
)

// RoutingRule is an ordered condition -> action pair. Lower priority runs first.
type RoutingRule struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Priority    int             `json:"priority"`
	Condition   json.RawMessage `json:"condition"` // RuleCondition as JSON
	Action      RuleAction      `json:"action"`
	TargetModel string          `json:"target_model,omitempty"` // for reroute
	Metadata    string          `json:"metadata,omitempty"`     // for add-metadata
	Experiment  *Experiment     `json:"experiment,omitempty"`
	Active      bool            `json:"active"`
	DryRun      bool            `json:"dry_run"`
}

// Experiment splits matching traffic probabilistically between two models.
type Experiment struct {
	ModelA  string  `json:"model_a"`
	ModelB  string  `json:"model_b"`
	SplitB  float64 `json:"split_b"` // fraction of traffic sent to ModelB
	TagName string  `json:"tag"`
}

// RuleCondition is evaluated against a request. Zero-valued fields match all.
type RuleCondition struct {
	Model              string  `json:"model,omitempty"`
	Team               string  `json:"team,omitempty"`
	FeatureTag         string  `json:"feature,omitempty"`
	HourFrom           *int    `json:"hour_from,omitempty"`          // UTC, inclusive
	HourTo             *int    `json:"hour_to,omitempty"`            // UTC, exclusive
	WalletUtilization  float64 `json:"wallet_utilization,omitempty"` // match when >= fraction
	DataClassification string  `json:"data_classification,omitempty"`
	MinEstimatedTokens int     `json:"min_estimated_tokens,omitempty"`
}

// --- Connectors ---

// HealthState is a connector's availability state.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Down
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// ModelSpec describes one model a connector advertises, with unit pricing.
type ModelSpec struct {
	Name          string   `json:"name"`
	InputPer1M    float64  `json:"input_per_1m"`  // USD per 1M input tokens
	OutputPer1M   float64  `json:"output_per_1m"` // USD per 1M output tokens
	ContextWindow int      `json:"context_window"`
	Capabilities  []string `json:"capabilities,omitempty"` // "streaming", "tools", "vision"
}

// ConnectorConfig represents a configured upstream connector.
type ConnectorConfig struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"` // "openai", "anthropic", "openai-compat"
	BaseURL   string      `json:"base_url"`
	KeyRef    string      `json:"key_ref"` // secret reference, never a raw key
	Models    []ModelSpec `json:"models"`
	Regions   []string    `json:"regions,omitempty"` // empty = any region
	Priority  int         `json:"priority"`
	MaxRPS    int         `json:"max_rps"`
	MaxTPM    int64       `json:"max_tpm"`
	TimeoutMs int         `json:"timeout_ms"`
	Enabled   bool        `json:"enabled"`
}

// Model returns the spec for the named model, or nil if not advertised.
func (c *ConnectorConfig) Model(name string) *ModelSpec {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}

// ServesRegion reports whether the connector satisfies a residency constraint.
// An empty constraint or empty region list matches everything.
func (c *ConnectorConfig) ServesRegion(residency string) bool {
	if residency == "" || len(c.Regions) == 0 {
		return true
	}
	for _, r := range c.Regions {
		if r == residency {
			return true
		}
	}
	return false
}

// --- Ledger ---

// LedgerRecord is one append-only audit entry. Records within a tenant form
// a hash chain: Hash = SHA-256(PrevHash || canonical content) with a dense,
// monotonic sequence.
type LedgerRecord struct {
	TenantID       string    `json:"tenant_id"`
	Seq            int64     `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  string    `json:"correlation_id"`
	ActorID        string    `json:"actor_id"`
	WalletID       string    `json:"wallet_id"`
	FeatureTag     string    `json:"feature,omitempty"`
	ModelRequested string    `json:"model_requested"`
	ModelUsed      string    `json:"model_used"`
	Provider       string    `json:"provider"`
	RoutingReason  string    `json:"routing_reason"`
	PromptTokens   int       `json:"prompt_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      int       `json:"latency_ms"`
	CacheHit       bool      `json:"cache_hit"`
	Similarity     float64   `json:"similarity,omitempty"`
	PolicyActions  string    `json:"policy_actions,omitempty"` // comma-joined
	FinishReason   string    `json:"finish_reason,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
}

// Finish reasons recorded for streaming requests.
const (
	FinishStop             = "stop"
	FinishClientDisconnect = "client_disconnect"
	FinishError            = "error"
)

// --- Security ---

// Incident records a security detection. It carries the finding type and
// severity but never the matched content.
type Incident struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	Kind          string    `json:"kind"`     // "EMAIL", "CARD", "SECRET", "INJECTION", ...
	Severity      string    `json:"severity"` // "low", "medium", "high", "critical"
	Action        string    `json:"action"`   // "redact", "block", "flag", "quarantine"
	CreatedAt     time.Time `json:"created_at"`
}

// HeldRequest is a hold queue entry for a quarantined request. It references
// the request by correlation id and never stores prompt content; the ledger
// and incident records carry the rest of the trail.
type HeldRequest struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	ActorID       string    `json:"actor_id"`
	Model         string    `json:"model"`
	Kind          string    `json:"kind"` // detection kind that triggered the hold
	CreatedAt     time.Time `json:"created_at"`
}

// --- Analytics ---

// AnalyticsRecord is one structured event delivered to the analytics sink.
type AnalyticsRecord struct {
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	ActorID       string    `json:"actor_id"`
	FeatureTag    string    `json:"feature,omitempty"`
	Model         string    `json:"model"`
	Provider      string    `json:"provider"`
	PromptTokens  int       `json:"prompt_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	LatencyMs     int       `json:"latency_ms"`
	CacheHit      bool      `json:"cache_hit"`
	StatusCode    int       `json:"status_code"`
	CreatedAt     time.Time `json:"created_at"`
}

// CostFilter narrows a cost aggregation query.
type CostFilter struct {
	TenantID string
	ActorID  string
	Model    string
	Feature  string
	Since    string // RFC3339, inclusive
	Until    string // RFC3339, exclusive
	GroupBy  string // "model", "provider", "feature", "day"
}

// CostBucket is one row of an aggregated cost breakdown.
type CostBucket struct {
	Key          string  `json:"key"`
	RequestCount int64   `json:"request_count"`
	PromptTokens int64   `json:"prompt_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CachedCount  int64   `json:"cached_count"`
}

// --- Context plumbing ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Later middlewares fill fields by mutating the same pointer, avoiding a
// context.WithValue + Request.WithContext per stage.
type requestMeta struct {
	CorrelationID string
	Identity      *Identity
	Ext           *RequestExtensions
	PolicyActions []string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity, reusing the existing requestMeta
// when one is present.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// CorrelationIDFromContext extracts the correlation id from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.CorrelationID
	}
	return ""
}

// ContextWithCorrelationID returns a context carrying the given correlation id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.CorrelationID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{CorrelationID: id})
}

// ExtensionsFromContext returns the request extensions stored by the handler,
// or nil when the client sent none.
func ExtensionsFromContext(ctx context.Context) *RequestExtensions {
	if m := metaFromContext(ctx); m != nil {
		return m.Ext
	}
	return nil
}

// ContextWithExtensions stores parsed request extensions.
func ContextWithExtensions(ctx context.Context, ext *RequestExtensions) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Ext = ext
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Ext: ext})
}

// AppendPolicyAction records a policy action taken for this request so the
// response augmentation and ledger can report it.
func AppendPolicyAction(ctx context.Context, action string) {
	if m := metaFromContext(ctx); m != nil {
		m.PolicyActions = append(m.PolicyActions, action)
	}
}

// PolicyActionsFromContext returns all policy actions recorded so far.
func PolicyActionsFromContext(ctx context.Context) []string {
	if m := metaFromContext(ctx); m != nil {
		return m.PolicyActions
	}
	return nil
}

// --- Keys ---

// APIKeyPrefix is the prefix for all Tollgate API keys.
const APIKeyPrefix = "tg_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*Identity, error)
}
