package semcache

import (
	"context"
	"testing"
	"time"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(nil, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	t.Parallel()
	e := LocalEmbedder{}

	a, _ := e.Embed(context.Background(), "what is the capital of France")
	b, _ := e.Embed(context.Background(), "what is the capital of France")
	if sim := cosine(a, b); sim < 0.999 {
		t.Errorf("identical prompts similarity = %v, want ~1.0", sim)
	}

	c, _ := e.Embed(context.Background(), "write a haiku about databases")
	if sim := cosine(a, c); sim > 0.5 {
		t.Errorf("unrelated prompts similarity = %v, want low", sim)
	}
}

func TestLookupExactDuplicate(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})

	ctx := context.Background()
	prompt := "summarize the q3 revenue report"
	if err := c.Store(ctx, "acme", prompt, "gpt-4o", []byte(`{"id":"cached"}`), 0, 0); err != nil {
		t.Fatal(err)
	}

	hit, err := c.Lookup(ctx, "acme", prompt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Fatal("expected hit for exact duplicate")
	}
	if string(hit.Response) != `{"id":"cached"}` || hit.Model != "gpt-4o" {
		t.Errorf("hit = %+v", hit)
	}
	if hit.Similarity < 0.999 {
		t.Errorf("similarity = %v, want ~1.0", hit.Similarity)
	}
}

func TestLookupMissBelowThreshold(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})

	ctx := context.Background()
	c.Store(ctx, "acme", "summarize the q3 revenue report", "gpt-4o", []byte("a"), 0, 0)

	hit, err := c.Lookup(ctx, "acme", "write a poem about the sea", 0)
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Errorf("unrelated prompt hit the cache: %+v", hit)
	}
}

func TestLookupTenantIsolation(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})

	ctx := context.Background()
	prompt := "summarize the q3 revenue report"
	c.Store(ctx, "acme", prompt, "gpt-4o", []byte("a"), 0, 0)

	hit, err := c.Lookup(ctx, "globex", prompt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Error("cache leaked across tenants")
	}
}

func TestLookupTTLExpiry(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{DefaultTTL: 10 * time.Millisecond})

	ctx := context.Background()
	prompt := "summarize the q3 revenue report"
	c.Store(ctx, "acme", prompt, "gpt-4o", []byte("a"), 0, 0)

	time.Sleep(30 * time.Millisecond)
	hit, err := c.Lookup(ctx, "acme", prompt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Errorf("expired entry served: %+v", hit)
	}
}

func TestLookupPerEntryTTLOutlivesDefault(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{DefaultTTL: 10 * time.Millisecond})

	ctx := context.Background()
	prompt := "summarize the q3 revenue report"
	c.Store(ctx, "acme", prompt, "gpt-4o", []byte("a"), time.Hour, 0)

	// Well past the default TTL; the request TTL governs the entry.
	time.Sleep(30 * time.Millisecond)
	hit, err := c.Lookup(ctx, "acme", prompt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Fatal("entry with a longer request TTL expired at the default TTL")
	}
}

// slowEmbedder blocks until its context is done.
type slowEmbedder struct{}

func (slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLookupDeadlineBypasses(t *testing.T) {
	t.Parallel()
	c, err := New(slowEmbedder{}, Config{LookupTimeout: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}

	hit, err := c.Lookup(context.Background(), "acme", "anything", 0)
	if err != nil {
		t.Fatalf("deadline should bypass, not error: %v", err)
	}
	if hit != nil {
		t.Errorf("hit = %+v, want bypass miss", hit)
	}
}

func TestThresholdOverride(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})

	ctx := context.Background()
	c.Store(ctx, "acme", "what is the capital of France", "gpt-4o", []byte("a"), 0, 0)

	// A trailing word changes the vector slightly; a loose tenant threshold
	// should still match it while the strict default may not.
	hit, err := c.Lookup(ctx, "acme", "what is the capital of France please", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Fatal("loose threshold should match near-duplicate")
	}
	if hit.Similarity >= 1.0 || hit.Similarity < 0.5 {
		t.Errorf("similarity = %v", hit.Similarity)
	}
}

func TestPurgeTenant(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Config{})

	ctx := context.Background()
	prompt := "summarize the q3 revenue report"
	c.Store(ctx, "acme", prompt, "gpt-4o", []byte("a"), 0, 0)
	c.PurgeTenant("acme")

	hit, err := c.Lookup(ctx, "acme", prompt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Error("purged tenant still serves hits")
	}
}
