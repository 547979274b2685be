package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

type fakeProvider struct {
	values map[string]string
	calls  int
}

func (f *fakeProvider) Get(_ context.Context, name string) (string, error) {
	f.calls++
	if v, ok := f.values[name]; ok {
		return v, nil
	}
	return "", gateway.ErrNotFound
}

func (f *fakeProvider) Close() error { return nil }

func TestManagerGetCaches(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{values: map[string]string{"openai-key": "sk-123"}}
	m := NewManager(fp, time.Minute)
	ctx := context.Background()

	for range 3 {
		v, err := m.Get(ctx, "openai-key")
		if err != nil {
			t.Fatal(err)
		}
		if v != "sk-123" {
			t.Errorf("value = %q", v)
		}
	}
	if fp.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (cached)", fp.calls)
	}

	m.Invalidate()
	if _, err := m.Get(ctx, "openai-key"); err != nil {
		t.Fatal(err)
	}
	if fp.calls != 2 {
		t.Errorf("provider calls after invalidate = %d, want 2", fp.calls)
	}
}

func TestManagerGetMissing(t *testing.T) {
	t.Parallel()
	m := NewManager(&fakeProvider{}, 0)
	_, err := m.Get(context.Background(), "nope")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestManagerResolve(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{values: map[string]string{
		"openai-key":    "sk-aaa",
		"anthropic-key": "sk-bbb",
	}}
	m := NewManager(fp, time.Minute)
	ctx := context.Background()

	tests := []struct {
		in   string
		want string
	}{
		{"${secret:openai-key}", "sk-aaa"},
		{"Bearer ${secret:anthropic-key}", "Bearer sk-bbb"},
		{"no references here", "no references here"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := m.Resolve(ctx, tt.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := m.Resolve(ctx, "${secret:missing}"); err == nil {
		t.Error("missing secret reference should error")
	}
}

func TestEnvProvider(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TOLLGATE_SECRET_OPENAI_KEY", "sk-env")

	p := NewEnvProvider()
	ctx := context.Background()

	v, err := p.Get(ctx, "openai-key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "sk-env" {
		t.Errorf("value = %q, want sk-env", v)
	}

	// Dots and slashes normalize the same way.
	t.Setenv("TOLLGATE_SECRET_TEAM_A_KEY", "sk-team")
	v, err = p.Get(ctx, "team.a/key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "sk-team" {
		t.Errorf("value = %q, want sk-team", v)
	}

	if _, err := p.Get(ctx, "absent"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileProviderReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("openai-key: sk-v1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	reloaded := make(chan struct{}, 1)
	p.onReload = func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	}

	ctx := context.Background()
	v, err := p.Get(ctx, "openai-key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "sk-v1" {
		t.Errorf("value = %q, want sk-v1", v)
	}

	if err := os.WriteFile(path, []byte("openai-key: sk-v2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	v, err = p.Get(ctx, "openai-key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "sk-v2" {
		t.Errorf("value after reload = %q, want sk-v2", v)
	}
}
