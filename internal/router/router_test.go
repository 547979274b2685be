package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/provider"
)

// fakeProvider returns scripted responses per call.
type fakeProvider struct {
	name  string
	errs  []error // popped per call; nil entry means success
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) next() error {
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	return err
}

func (f *fakeProvider) ChatCompletion(_ context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &gateway.ChatResponse{ID: "r-" + f.name, Model: req.Model}, nil
}

func (f *fakeProvider) ChatCompletionStream(_ context.Context, _ *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	ch := make(chan gateway.StreamChunk, 1)
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Embeddings(_ context.Context, _ *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &gateway.EmbeddingResponse{Model: "emb"}, nil
}

func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

func apiErr(connector string, status int) error {
	return &provider.APIError{Connector: connector, StatusCode: status, Body: "upstream says no"}
}

type connector struct {
	id       string
	priority int
	regions  []string
	spec     gateway.ModelSpec
	errs     []error
}

func newRouter(t *testing.T, conns ...connector) (*Router, map[string]*fakeProvider) {
	t.Helper()
	reg := provider.NewRegistry()
	fakes := make(map[string]*fakeProvider)
	for _, c := range conns {
		f := &fakeProvider{name: c.id, errs: c.errs}
		fakes[c.id] = f
		reg.Register(&gateway.ConnectorConfig{
			ID:       c.id,
			Kind:     "openai",
			Priority: c.priority,
			Regions:  c.regions,
			Models:   []gateway.ModelSpec{c.spec},
			Enabled:  true,
		}, f)
	}
	r := New(reg, health.NewRegistry(health.DefaultConfig()), Config{
		MaxRetries5xx:  3,
		RetryBaseDelay: time.Millisecond,
	}, nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, fakes
}

func chatReq(model string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
}

func TestDispatchPrimary(t *testing.T) {
	t.Parallel()
	r, fakes := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)

	resp, d, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-a" || d.Connector != "a" || d.Reason != "primary" {
		t.Errorf("resp=%+v dispatch=%+v, want primary a", resp, d)
	}
	if fakes["b"].calls != 0 {
		t.Error("secondary should not be called")
	}
}

func TestFailover429AdvancesImmediately(t *testing.T) {
	t.Parallel()
	r, fakes := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"}, errs: []error{apiErr("a", 429)}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)

	resp, d, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-b" || d.Reason != "failover" {
		t.Errorf("resp=%+v dispatch=%+v, want failover to b", resp, d)
	}
	if fakes["a"].calls != 1 {
		t.Errorf("a called %d times, want 1 (no retry on 429)", fakes["a"].calls)
	}
}

func TestFailover5xxRetriesThenAdvances(t *testing.T) {
	t.Parallel()
	r, fakes := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"},
			errs: []error{apiErr("a", 500), apiErr("a", 500), apiErr("a", 502), apiErr("a", 503)}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)

	resp, d, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-b" {
		t.Errorf("resp = %+v, want b", resp)
	}
	if fakes["a"].calls != 4 {
		t.Errorf("a called %d times, want 4 (initial + 3 retries)", fakes["a"].calls)
	}
	if d.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", d.Attempts)
	}
}

func TestFailover5xxRecoversOnRetry(t *testing.T) {
	t.Parallel()
	r, fakes := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"},
			errs: []error{apiErr("a", 500), nil}},
	)

	resp, d, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-a" || d.Reason != "primary_retry" {
		t.Errorf("resp=%+v dispatch=%+v, want retried primary", resp, d)
	}
	if fakes["a"].calls != 2 {
		t.Errorf("a called %d times, want 2", fakes["a"].calls)
	}
}

func Test4xxDoesNotFailOver(t *testing.T) {
	t.Parallel()
	r, fakes := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"}, errs: []error{apiErr("a", 400)}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)

	_, _, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if fakes["b"].calls != 0 {
		t.Error("4xx must not fail over")
	}
}

func TestChainExhausted(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"}, errs: []error{apiErr("a", 429)}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}, errs: []error{apiErr("b", 429)}},
	)

	_, _, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if !errors.Is(err, gateway.ErrUpstreamExhausted) {
		t.Fatalf("err = %v, want ErrUpstreamExhausted", err)
	}
	// The final connector is named in the error.
	if !strings.Contains(err.Error(), "last b") {
		t.Errorf("error should name the last connector: %v", err)
	}
}

func TestNetworkErrorAdvances(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"},
			errs: []error{errors.New("dial tcp: connection refused")}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)

	resp, _, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-b" {
		t.Errorf("resp = %+v, want failover to b", resp)
	}
}

func TestNoConnectorForModel(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)

	_, _, err := r.ChatCompletion(context.Background(), chatReq("claude-sonnet-4"), "", "")
	if !errors.Is(err, gateway.ErrNoConnector) {
		t.Fatalf("err = %v, want ErrNoConnector", err)
	}
}

func TestResidencyFilter(t *testing.T) {
	t.Parallel()
	r, fakes := newRouter(t,
		connector{id: "us", priority: 1, regions: []string{"us"}, spec: gateway.ModelSpec{Name: "gpt-4o"}},
		connector{id: "eu", priority: 2, regions: []string{"eu"}, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)

	resp, _, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "eu", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-eu" {
		t.Errorf("resp = %+v, want eu connector", resp)
	}
	if fakes["us"].calls != 0 {
		t.Error("us connector must not serve eu-resident tenant")
	}
}

func TestCapabilityFilter(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{
			Name: "gpt-4o", Capabilities: []string{"tools"},
		}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{
			Name: "gpt-4o", Capabilities: []string{"streaming", "tools"},
		}},
	)

	req := chatReq("gpt-4o")
	req.Stream = true
	ch, d, err := r.ChatCompletionStream(context.Background(), req, "", "")
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	if d.Connector != "b" {
		t.Errorf("connector = %q, want b (only one with streaming)", d.Connector)
	}
}

func TestCostStrategy(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t,
		connector{id: "pricey", priority: 1, spec: gateway.ModelSpec{
			Name: "gpt-4o", InputPer1M: 10, OutputPer1M: 30,
		}},
		connector{id: "cheap", priority: 2, spec: gateway.ModelSpec{
			Name: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10,
		}},
	)

	resp, _, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", StrategyCost)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-cheap" {
		t.Errorf("resp = %+v, want cheapest connector first", resp)
	}
}

func TestLatencyStrategy(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t,
		connector{id: "slow", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"}},
		connector{id: "fast", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)
	r.health.GetOrCreate("slow").RecordSuccess(800 * time.Millisecond)
	r.health.GetOrCreate("fast").RecordSuccess(50 * time.Millisecond)

	resp, _, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", StrategyLatency)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-fast" {
		t.Errorf("resp = %+v, want lowest latency connector", resp)
	}
}

func TestDegradedSortsAfterHealthy(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t,
		connector{id: "a", priority: 1, spec: gateway.ModelSpec{Name: "gpt-4o"}},
		connector{id: "b", priority: 2, spec: gateway.ModelSpec{Name: "gpt-4o"}},
	)
	// Degrade the lower-priority-number connector.
	ta := r.health.GetOrCreate("a")
	for range 20 {
		ta.RecordError(1.0)
	}
	if ta.State() == gateway.Healthy {
		t.Fatal("setup: a should not be healthy")
	}

	resp, _, err := r.ChatCompletion(context.Background(), chatReq("gpt-4o"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r-b" {
		t.Errorf("resp = %+v, want healthy connector first", resp)
	}
}
