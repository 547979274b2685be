package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
connectors:
  - id: openai-us
    kind: openai
    base_url: https://api.openai.com/v1
    key_ref: ${secret:openai-key}
    priority: 1
    regions: [us]
    models:
      - name: gpt-4o
        input_per_1m: 2.5
        output_per_1m: 10
tenants:
  - id: acme
    name: Acme Corp
    residency: us
wallets:
  - id: acme-root
    tenant_id: acme
    kind: organization
    hard_limit: 5000
    soft_thresholds: [0.8, 0.95]
rules:
  - id: offhours
    tenant_id: acme
    priority: 10
    condition:
      hour_from: 20
      hour_to: 6
    action: reroute
    target_model: gpt-4o-mini
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if len(cfg.Connectors) != 1 {
		t.Fatalf("connectors count = %d, want 1", len(cfg.Connectors))
	}
	c := cfg.Connectors[0]
	if c.ID != "openai-us" {
		t.Errorf("connector id = %q", c.ID)
	}
	if c.KeyRef != "${secret:openai-key}" {
		t.Errorf("key_ref = %q, secret reference must survive env expansion", c.KeyRef)
	}
	if len(c.Models) != 1 || c.Models[0].InputPer1M != 2.5 {
		t.Errorf("models = %+v", c.Models)
	}
	if len(cfg.Wallets) != 1 || cfg.Wallets[0].HardLimit != 5000 {
		t.Errorf("wallets = %+v", cfg.Wallets)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Action != "reroute" {
		t.Errorf("rules = %+v", cfg.Rules)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "key: sk-secret-123")
	}

	// Unset vars stay as-is.
	result = expandEnv([]byte("key: ${TOLLGATE_UNSET_VAR}"))
	if string(result) != "key: ${TOLLGATE_UNSET_VAR}" {
		t.Errorf("expandEnv unset = %q", string(result))
	}

	// Secret references are never expanded from the environment.
	t.Setenv("secret:anthropic-key", "should-not-be-used")
	result = expandEnv([]byte("key: ${secret:anthropic-key}"))
	if string(result) != "key: ${secret:anthropic-key}" {
		t.Errorf("expandEnv secret ref = %q", string(result))
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.DSN != "tollgate.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "tollgate.db")
	}
	if cfg.Cache.Threshold != 0.97 {
		t.Errorf("default cache threshold = %v, want 0.97", cfg.Cache.Threshold)
	}
	if cfg.Cache.LookupTimeout != 50*time.Millisecond {
		t.Errorf("default lookup timeout = %v", cfg.Cache.LookupTimeout)
	}
	if cfg.Router.MaxRetries5xx != 3 {
		t.Errorf("default 5xx retries = %d, want 3", cfg.Router.MaxRetries5xx)
	}
	if cfg.Router.RetryBaseDelay != 100*time.Millisecond {
		t.Errorf("default retry base delay = %v", cfg.Router.RetryBaseDelay)
	}
	if cfg.Analytics.BatchSize != 100 {
		t.Errorf("default analytics batch = %d, want 100", cfg.Analytics.BatchSize)
	}
	if cfg.Security.PIIAction != "redact" {
		t.Errorf("default pii action = %q", cfg.Security.PIIAction)
	}
}

func TestConnectorEntryDefaults(t *testing.T) {
	t.Parallel()

	on := true
	off := false
	tests := []struct {
		name string
		e    ConnectorEntry
		want bool
	}{
		{"nil enabled defaults true", ConnectorEntry{}, true},
		{"explicit true", ConnectorEntry{Enabled: &on}, true},
		{"explicit false", ConnectorEntry{Enabled: &off}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}
		})
	}

	vertex := ConnectorEntry{Hosting: "vertex"}
	if vertex.ResolvedAuthType() != "gcp_oauth" {
		t.Errorf("vertex auth = %q, want gcp_oauth", vertex.ResolvedAuthType())
	}
	bedrock := ConnectorEntry{Hosting: "bedrock"}
	if bedrock.ResolvedAuthType() != "aws_sigv4" {
		t.Errorf("bedrock auth = %q, want aws_sigv4", bedrock.ResolvedAuthType())
	}
	plain := ConnectorEntry{}
	if plain.ResolvedAuthType() != "api_key" {
		t.Errorf("plain auth = %q, want api_key", plain.ResolvedAuthType())
	}
}
