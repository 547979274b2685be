// Package router resolves each request to an ordered chain of connectors
// and executes the dispatch with failover.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/provider"
)

// Routing strategies.
const (
	StrategyPriority = "priority"
	StrategyCost     = "cost"
	StrategyLatency  = "latency"
)

// Config holds dispatch and failover settings.
type Config struct {
	DefaultStrategy string
	MaxRetries5xx   int
	RetryBaseDelay  time.Duration
}

// Candidate is one (connector, model) pairing the planner produced.
type Candidate struct {
	ConnectorID string
	Provider    gateway.Provider
	Config      *gateway.ConnectorConfig
	Spec        *gateway.ModelSpec
	State       gateway.HealthState
}

// Dispatch describes where a request actually went.
type Dispatch struct {
	Connector string
	Model     string
	Reason    string // routing reason recorded in the ledger
	Attempts  int
}

// Router plans and executes upstream dispatch.
type Router struct {
	providers *provider.Registry
	health    *health.Registry
	cfg       Config
	log       *slog.Logger

	// sleep is swapped in tests to skip real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a router over the provider registry and health trackers.
func New(providers *provider.Registry, hr *health.Registry, cfg Config, log *slog.Logger) *Router {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyPriority
	}
	if cfg.MaxRetries5xx <= 0 {
		cfg.MaxRetries5xx = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		providers: providers,
		health:    hr,
		cfg:       cfg,
		log:       log,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Plan returns the failover chain for a model: connectors that advertise it,
// serve the tenant's residency, cover the needed capabilities and are not
// down, ordered by the requested strategy. Head is the primary.
func (r *Router) Plan(model, residency, strategy string, needCaps []string) ([]Candidate, error) {
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}

	var candidates []Candidate
	for _, cfg := range r.providers.Configs() {
		if !cfg.Enabled {
			continue
		}
		spec := cfg.Model(model)
		if spec == nil {
			continue
		}
		if !cfg.ServesRegion(residency) {
			continue
		}
		if !hasCapabilities(spec, needCaps) {
			continue
		}
		tracker := r.health.GetOrCreate(cfg.ID)
		state := tracker.State()
		if state == gateway.Down && !tracker.Allow() {
			continue
		}
		p, err := r.providers.Get(cfg.ID)
		if err != nil {
			continue
		}
		candidates = append(candidates, Candidate{
			ConnectorID: cfg.ID,
			Provider:    p,
			Config:      cfg,
			Spec:        spec,
			State:       state,
		})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("router: no connector serves model %q in region %q: %w",
			model, residency, gateway.ErrNoConnector)
	}

	r.order(candidates, strategy)
	return candidates, nil
}

// order sorts candidates in place by strategy. Healthy connectors always
// sort before degraded ones regardless of strategy.
func (r *Router) order(candidates []Candidate, strategy string) {
	latency := func(c Candidate) float64 {
		return r.health.GetOrCreate(c.ConnectorID).P95Ms()
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.State != b.State {
			return a.State < b.State
		}
		switch strategy {
		case StrategyCost:
			ca := a.Spec.InputPer1M + a.Spec.OutputPer1M
			cb := b.Spec.InputPer1M + b.Spec.OutputPer1M
			if ca != cb {
				return ca < cb
			}
			return latency(a) < latency(b)
		case StrategyLatency:
			return latency(a) < latency(b)
		default:
			return a.Config.Priority < b.Config.Priority
		}
	})
}

func hasCapabilities(spec *gateway.ModelSpec, need []string) bool {
	if len(need) == 0 || len(spec.Capabilities) == 0 {
		return true
	}
	for _, n := range need {
		found := false
		for _, c := range spec.Capabilities {
			if c == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NeededCapabilities derives the capability filter from the request shape.
func NeededCapabilities(req *gateway.ChatRequest) []string {
	var caps []string
	if req.Stream {
		caps = append(caps, "streaming")
	}
	if len(req.Tools) > 0 {
		caps = append(caps, "tools")
	}
	return caps
}

// ChatCompletion dispatches a non-streaming request down the failover chain.
func (r *Router) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, residency, strategy string) (*gateway.ChatResponse, *Dispatch, error) {
	chain, err := r.Plan(req.Model, residency, strategy, NeededCapabilities(req))
	if err != nil {
		return nil, nil, err
	}

	var resp *gateway.ChatResponse
	d, err := r.execute(ctx, chain, func(ctx context.Context, c Candidate) error {
		var callErr error
		resp, callErr = c.Provider.ChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, d, err
	}
	return resp, d, nil
}

// ChatCompletionStream dispatches a streaming request. Failover only happens
// while establishing the stream; once a channel is returned, the first body
// byte may have reached the client and the stream is committed.
func (r *Router) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, residency, strategy string) (<-chan gateway.StreamChunk, *Dispatch, error) {
	chain, err := r.Plan(req.Model, residency, strategy, NeededCapabilities(req))
	if err != nil {
		return nil, nil, err
	}

	var ch <-chan gateway.StreamChunk
	d, err := r.execute(ctx, chain, func(ctx context.Context, c Candidate) error {
		var callErr error
		ch, callErr = c.Provider.ChatCompletionStream(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, d, err
	}
	return ch, d, nil
}

// Embeddings dispatches an embedding request down the failover chain.
func (r *Router) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest, residency string) (*gateway.EmbeddingResponse, *Dispatch, error) {
	chain, err := r.Plan(req.Model, residency, r.cfg.DefaultStrategy, nil)
	if err != nil {
		return nil, nil, err
	}

	var resp *gateway.EmbeddingResponse
	d, err := r.execute(ctx, chain, func(ctx context.Context, c Candidate) error {
		var callErr error
		resp, callErr = c.Provider.Embeddings(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, d, err
	}
	return resp, d, nil
}

// execute walks the chain applying the failover rules:
// 429 advances immediately, 5xx retries the same connector with exponential
// backoff before advancing, timeouts and network errors advance, any other
// 4xx is the caller's problem and returns at once.
func (r *Router) execute(ctx context.Context, chain []Candidate, call func(context.Context, Candidate) error) (*Dispatch, error) {
	d := &Dispatch{}
	var lastErr error
	var lastConnector string

	for i, c := range chain {
		tracker := r.health.GetOrCreate(c.ConnectorID)
		retries := 0

		for {
			d.Attempts++
			start := time.Now()
			err := call(ctx, c)
			if err == nil {
				tracker.RecordSuccess(time.Since(start))
				d.Connector = c.ConnectorID
				d.Model = c.Spec.Name
				d.Reason = routingReason(i, retries, c.State)
				return d, nil
			}

			if ctx.Err() != nil {
				// Client gone or request deadline hit; not a connector fault.
				return d, ctx.Err()
			}
			tracker.RecordError(health.ClassifyError(err))
			lastErr = err
			lastConnector = c.ConnectorID

			var apiErr *provider.APIError
			switch {
			case errors.As(err, &apiErr) && apiErr.StatusCode == 429:
				// Advance to the next connector.
			case errors.As(err, &apiErr) && apiErr.StatusCode >= 500:
				if retries < r.cfg.MaxRetries5xx {
					delay := r.cfg.RetryBaseDelay << retries
					retries++
					r.log.Debug("router retrying connector",
						"connector", c.ConnectorID, "retry", retries, "delay", delay)
					if serr := r.sleep(ctx, delay); serr != nil {
						return d, serr
					}
					continue
				}
				// Retries exhausted, advance.
			case errors.As(err, &apiErr):
				// Other 4xx: the request itself is bad, no failover.
				return d, err
			default:
				// Timeout or network error, advance.
			}
			break
		}
	}

	return d, fmt.Errorf("router: all connectors failed, last %s: %w: %w",
		lastConnector, lastErr, gateway.ErrUpstreamExhausted)
}

// routingReason labels why this connector served the request.
func routingReason(position, retries int, state gateway.HealthState) string {
	switch {
	case position == 0 && retries == 0:
		return "primary"
	case position == 0:
		return "primary_retry"
	case state == gateway.Degraded:
		return "failover_degraded"
	default:
		return "failover"
	}
}
