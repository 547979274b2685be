// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Cache      CacheConfig      `yaml:"cache"`
	Security   SecurityConfig   `yaml:"security"`
	Router     RouterConfig     `yaml:"router"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Connectors []ConnectorEntry `yaml:"connectors"`
	Tenants    []TenantEntry    `yaml:"tenants"`
	Wallets    []WalletEntry    `yaml:"wallets"`
	Keys       []KeyEntry       `yaml:"keys"`
	Rules      []RuleEntry      `yaml:"rules"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds default rate limiting settings.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // default requests per minute (0 = unlimited)
	DefaultTPM int64 `yaml:"default_tpm"` // default tokens per minute (0 = unlimited)
}

// CacheConfig holds semantic cache settings.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxEntries    int           `yaml:"max_entries"` // per tenant
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	Threshold     float64       `yaml:"threshold"`      // cosine similarity floor
	LookupTimeout time.Duration `yaml:"lookup_timeout"` // bypass cache past this
	EmbedderKind  string        `yaml:"embedder"`       // "local" or "connector"
	EmbedderModel string        `yaml:"embedder_model"` // for connector-backed embeddings
}

// SecurityConfig controls the request scanning pipeline.
type SecurityConfig struct {
	Enabled         bool   `yaml:"enabled"`
	PIIAction       string `yaml:"pii_action"`       // "redact", "block", "flag"
	SecretAction    string `yaml:"secret_action"`    // credentials found in prompts
	InjectionAction string `yaml:"injection_action"` // prompt injection heuristics
	MaxScanBytes    int    `yaml:"max_scan_bytes"`
	RestrictedBlock bool   `yaml:"restricted_block"` // block restricted-classified data on external connectors
}

// RouterConfig holds dispatch and failover settings.
type RouterConfig struct {
	DefaultStrategy string        `yaml:"default_strategy"` // "priority", "cost", "latency"
	MaxRetries5xx   int           `yaml:"max_retries_5xx"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	ProbeInterval   time.Duration `yaml:"probe_interval"` // health probe cadence for down connectors
}

// AnalyticsConfig controls the async analytics pipeline.
type AnalyticsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // per-request deadline before dispatch
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey    string        `yaml:"admin_key"`  // bootstrap admin key (hashed on first use)
	JWTSecret   string        `yaml:"jwt_secret"` // HMAC secret for service-account tokens
	JWTIssuer   string        `yaml:"jwt_issuer"`
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`
}

// / SecretsConfig selects the secret provider backing ${secret:...} references.
type SecretsConfig struct {
	Provider string        `yaml:"provider"` // "env" or "file"
	FilePath string        `yaml:"file_path"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ConnectorEntry is a connector definition in the config file.
type ConnectorEntry struct {
	ID        string       `yaml:"id"`
	Kind      string       `yaml:"kind"` // "openai", "anthropic", "openai-compat"
	BaseURL   string       `yaml:"base_url"`
	KeyRef    string       `yaml:"key_ref"` // ${secret:...} reference, never a raw key
	Models    []ModelEntry `yaml:"models"`
	Regions   []string     `yaml:"regions"`
	Priority  int          `yaml:"priority"`
	MaxRPS    int          `yaml:"max_rps"`
	MaxTPM    int64        `yaml:"max_tpm"`
	TimeoutMs int          `yaml:"timeout_ms"`
	Enabled   *bool        `yaml:"enabled"`
	Hosting   string       `yaml:"hosting"` // "", "azure", "vertex", "bedrock"
	Region    string       `yaml:"region"`  // cloud region (Vertex, Bedrock)
	Project   string       `yaml:"project"` // GCP project for Vertex
}

// ModelEntry is one advertised model with pricing.
type ModelEntry struct {
	Name          string   `yaml:"name"`
	InputPer1M    float64  `yaml:"input_per_1m"`
	OutputPer1M   float64  `yaml:"output_per_1m"`
	ContextWindow int      `yaml:"context_window"`
	Capabilities  []string `yaml:"capabilities"`
}

// IsEnabled reports whether the connector is enabled (defaults to true when nil).
func (c ConnectorEntry) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ResolvedAuthType returns the transport auth type for the connector.
func (c ConnectorEntry) ResolvedAuthType() string {
	switch c.Hosting {
	case "vertex":
		return "gcp_oauth"
	case "bedrock":
		return "aws_sigv4"
	default:
		return "api_key"
	}
}

// TenantEntry seeds a tenant on bootstrap.
type TenantEntry struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	PlanTier       string  `yaml:"plan_tier"`
	Residency      string  `yaml:"residency"`
	PolicySet      string  `yaml:"policy_set"`
	CacheThreshold float64 `yaml:"cache_threshold"`
}

// WalletEntry seeds a wallet node on bootstrap.
type WalletEntry struct {
	ID             string    `yaml:"id"`
	TenantID       string    `yaml:"tenant_id"`
	ParentID       string    `yaml:"parent_id"`
	Kind           string    `yaml:"kind"`
	HardLimit      float64   `yaml:"hard_limit"`
	Overdraft      float64   `yaml:"overdraft"`
	SoftThresholds []float64 `yaml:"soft_thresholds"`
	ResetPeriod    string    `yaml:"reset_period"`
	ResetDay       int       `yaml:"reset_day"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name      string `yaml:"name"`
	Key       string `yaml:"key"` // plaintext, hashed on bootstrap
	TenantID  string `yaml:"tenant_id"`
	ActorID   string `yaml:"actor_id"`
	ActorKind string `yaml:"actor_kind"`
	WalletID  string `yaml:"wallet_id"`
	TeamID    string `yaml:"team_id"`
	Role      string `yaml:"role"`
	RPMLimit  int64  `yaml:"rpm_limit"`
	TPMLimit  int64  `yaml:"tpm_limit"`
}

// RuleEntry seeds a routing rule on bootstrap. Condition is free-form YAML
// matching gateway.RuleCondition.
type RuleEntry struct {
	ID          string         `yaml:"id"`
	TenantID    string         `yaml:"tenant_id"`
	Priority    int            `yaml:"priority"`
	Condition   map[string]any `yaml:"condition"`
	Action      string         `yaml:"action"`
	TargetModel string         `yaml:"target_model"`
	Metadata    string         `yaml:"metadata"`
	DryRun      bool           `yaml:"dry_run"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// ${secret:...} references are left intact for the secret resolver.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if len(varName) > 7 && varName[:7] == "secret:" {
			return match
		}
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			RequestTimeout:  120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Database: DatabaseConfig{
			DSN: "tollgate.db",
		},
		Auth: AuthConfig{
			KeyCacheTTL: 30 * time.Second,
		},
		Secrets: SecretsConfig{
			Provider: "env",
			CacheTTL: 5 * time.Minute,
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
			DefaultTPM: 100_000,
		},
		Cache: CacheConfig{
			Enabled:       true,
			MaxEntries:    10_000,
			DefaultTTL:    5 * time.Minute,
			Threshold:     0.97,
			LookupTimeout: 50 * time.Millisecond,
			EmbedderKind:  "local",
		},
		Security: SecurityConfig{
			Enabled:         true,
			PIIAction:       "redact",
			SecretAction:    "block",
			InjectionAction: "flag",
			MaxScanBytes:    1 << 20,
			RestrictedBlock: true,
		},
		Router: RouterConfig{
			DefaultStrategy: "priority",
			MaxRetries5xx:   3,
			RetryBaseDelay:  100 * time.Millisecond,
			ProbeInterval:   15 * time.Second,
		},
		Analytics: AnalyticsConfig{
			Enabled:       true,
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
