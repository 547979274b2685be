package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/metering"
	"github.com/tollgate-io/tollgate/internal/policy"
	"github.com/tollgate-io/tollgate/internal/router"
	"github.com/tollgate-io/tollgate/internal/wallet"
)

// classificationHeader carries explicit request data classification when the
// client does not use the tollgate extension object.
const classificationHeader = "X-Tollgate-Data-Classification"

// chatCall carries one chat request through the pipeline stages.
type chatCall struct {
	req            *gateway.ChatRequest
	identity       *gateway.Identity
	tenant         *gateway.Tenant
	ext            *gateway.RequestExtensions
	modelRequested string
	strategy       string
	cacheText      string
	cacheable      bool
	policyRule     string // rule that rerouted the request, surfaced as the routing reason
	estPrompt      int
	estCompletion  int
	estBody        int64
	resv           *wallet.Reservation
	started        time.Time
}

// outcome is everything settlement needs after a request finishes, on any
// path: dispatched, cache hit, or denied.
type outcome struct {
	identity       *gateway.Identity
	tenant         *gateway.Tenant
	ext            *gateway.RequestExtensions
	modelRequested string
	dispatch       *router.Dispatch // nil when no upstream was involved
	usage          gateway.Usage
	cost           float64
	latency        time.Duration
	cacheHit       bool
	similarity     float64
	finishReason   string
	errorCode      string
	statusCode     int
	estBody        int64
	policyRule     string
}

// serveChat runs the full pipeline for a chat request: extension extraction,
// tenant resolve, security scan, policy, semantic cache, wallet reservation,
// dispatch, settlement, response augmentation.
func (s *server) serveChat(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, respond func(http.ResponseWriter, *gateway.ChatResponse)) {
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	if identity == nil {
		writeError(w, ctx, gateway.ErrUnauthorized)
		return
	}

	ext := req.Tollgate
	req.Tollgate = nil // gateway extension object, never forwarded upstream
	if ext == nil {
		ext = &gateway.RequestExtensions{}
	}
	if ext.DataClassification == "" {
		if vals := r.Header[classificationHeader]; len(vals) > 0 {
			ext.DataClassification = vals[0]
		}
	}
	gateway.ContextWithExtensions(ctx, ext)

	tenant, err := s.deps.Tenants.Resolve(ctx, identity.TenantID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	c := &chatCall{
		req:            req,
		identity:       identity,
		tenant:         tenant,
		ext:            ext,
		modelRequested: req.Model,
		strategy:       ext.Strategy,
		cacheText:      userText(req.Messages),
		cacheable:      ext.CacheEnabled == nil || *ext.CacheEnabled,
		estPrompt:      s.deps.Meter.EstimateRequest(req.Model, req.Messages),
		estCompletion:  s.deps.Meter.EstimateCompletion(req),
		estBody:        estimateBodyTokens(r),
		started:        time.Now(),
	}

	if !s.scanRequest(w, r, c) {
		return
	}
	if !s.applyPolicy(w, r, c) {
		return
	}

	// Lookup short-circuits only non-streaming calls; a stored JSON body
	// cannot be replayed as SSE. Streams still populate the cache on normal
	// completion so a later non-streaming twin hits.
	if !req.Stream && c.cacheable && s.deps.SemCache != nil {
		if s.serveCacheHit(w, r, c, respond) {
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	if !s.reserveBudget(w, r, c) {
		return
	}

	if req.Stream {
		s.streamChat(w, r, c)
		return
	}

	resp, d, err := s.deps.Router.ChatCompletion(ctx, req, tenant.Residency, c.strategy)
	latency := time.Since(c.started)
	if err != nil {
		s.releaseReservation(c)
		code := gateway.ErrorCode(err)
		s.settle(ctx, &outcome{
			identity: identity, tenant: tenant, ext: ext,
			modelRequested: c.modelRequested, dispatch: d,
			latency: latency, finishReason: gateway.FinishError,
			errorCode: code, statusCode: gateway.StatusForCode(code),
			estBody: c.estBody, policyRule: c.policyRule,
		})
		writeError(w, ctx, err)
		return
	}

	usage := gateway.Usage{
		PromptTokens:     c.estPrompt,
		CompletionTokens: c.estCompletion,
	}
	if resp.Usage != nil {
		usage = *resp.Usage
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	cost := metering.Cost(s.dispatchSpec(d), usage.PromptTokens, usage.CompletionTokens)
	s.commitReservation(c, cost)

	o := &outcome{
		identity: identity, tenant: tenant, ext: ext,
		modelRequested: c.modelRequested, dispatch: d,
		usage: usage, cost: cost, latency: latency,
		finishReason: finishReason(resp), statusCode: http.StatusOK,
		estBody: c.estBody, policyRule: c.policyRule,
	}
	s.settle(ctx, o)

	// Marshal for the cache before attaching per-request extensions, so a
	// later hit carries its own correlation id and similarity.
	if c.cacheable && s.deps.SemCache != nil && c.cacheText != "" {
		if data, mErr := json.Marshal(resp); mErr == nil {
			ttl := time.Duration(ext.CacheTTLSeconds) * time.Second
			cctx := context.WithoutCancel(ctx)
			if sErr := s.deps.SemCache.Store(cctx, tenant.ID, c.cacheText, req.Model, data, ttl, tenant.CacheMaxEntries); sErr != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "cache store failed",
					slog.String("error", sErr.Error()),
				)
			}
		}
	}

	respExt := s.responseExtensions(ctx, o)
	resp.Tollgate = respExt
	setTollgateHeaders(w, respExt)
	respond(w, resp)
}

// serveCacheHit answers from the semantic cache. Returns false on miss.
func (s *server) serveCacheHit(w http.ResponseWriter, r *http.Request, c *chatCall, respond func(http.ResponseWriter, *gateway.ChatResponse)) bool {
	ctx := r.Context()
	if c.cacheText == "" {
		return false
	}
	hit, err := s.deps.SemCache.Lookup(ctx, c.tenant.ID, c.cacheText, c.tenant.CacheThreshold)
	if err != nil || hit == nil {
		return false
	}
	var resp gateway.ChatResponse
	if json.Unmarshal(hit.Response, &resp) != nil {
		return false
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CacheHits.Inc()
	}

	o := &outcome{
		identity: c.identity, tenant: c.tenant, ext: c.ext,
		modelRequested: c.modelRequested,
		latency:        time.Since(c.started),
		cacheHit:       true, similarity: hit.Similarity,
		finishReason: gateway.FinishStop, statusCode: http.StatusOK,
		estBody: c.estBody,
	}
	s.settle(ctx, o)

	respExt := s.responseExtensions(ctx, o)
	respExt.ModelUsed = hit.Model
	resp.Tollgate = respExt
	setTollgateHeaders(w, respExt)
	respond(w, &resp)
	return true
}

// applyPolicy evaluates tenant rules and applies the decision to the call.
// Returns false when the request was denied (response already written).
func (s *server) applyPolicy(w http.ResponseWriter, r *http.Request, c *chatCall) bool {
	if s.deps.Policy == nil {
		return true
	}
	ctx := r.Context()

	var util float64
	if s.deps.Wallets != nil {
		if n, err := s.deps.Wallets.Get(c.identity.WalletID); err == nil {
			util = n.Utilization()
		}
	}

	dec, err := s.deps.Policy.Evaluate(ctx, &policy.Input{
		TenantID:           c.tenant.ID,
		Model:              c.req.Model,
		Team:               c.identity.TeamID,
		FeatureTag:         c.ext.FeatureTag,
		CorrelationID:      gateway.CorrelationIDFromContext(ctx),
		WalletUtilization:  util,
		DataClassification: c.ext.DataClassification,
		EstimatedTokens:    c.estPrompt,
	})
	if err != nil {
		writeError(w, ctx, err)
		return false
	}

	// Dry-run matches are advisory: they land in the ledger's policy
	// actions but never change the decision applied below.
	for _, adv := range dec.Advisories {
		gateway.AppendPolicyAction(ctx, "dry_run:"+adv)
	}

	switch dec.Action {
	case gateway.ActionBlock:
		gateway.AppendPolicyAction(ctx, "blocked:"+dec.RuleID)
		s.settleDenied(ctx, c, gateway.CodePolicyDenied)
		writeError(w, ctx, gateway.ErrPolicyDenied)
		return false
	case gateway.ActionRequireApproval:
		gateway.AppendPolicyAction(ctx, "approval_required:"+dec.RuleID)
		s.settleDenied(ctx, c, gateway.CodePolicyDenied)
		writeError(w, ctx, gateway.ErrApprovalRequired)
		return false
	case gateway.ActionReroute:
		if dec.TargetModel != "" && dec.TargetModel != c.req.Model {
			c.req.Model = dec.TargetModel
			c.cacheable = false
			c.policyRule = dec.RuleID
			gateway.AppendPolicyAction(ctx, "rerouted:"+dec.RuleID+":"+dec.TargetModel)
		}
		if dec.Experiment != "" {
			gateway.AppendPolicyAction(ctx, "experiment:"+dec.Experiment)
		}
	case gateway.ActionAddMetadata:
		gateway.AppendPolicyAction(ctx, "metadata:"+dec.Metadata)
	}
	return true
}

// reserveBudget plans the dispatch chain and places a wallet hold sized by
// the head candidate's unit prices. Returns false on denial.
func (s *server) reserveBudget(w http.ResponseWriter, r *http.Request, c *chatCall) bool {
	ctx := r.Context()

	chain, err := s.deps.Router.Plan(c.req.Model, c.tenant.Residency, c.strategy, router.NeededCapabilities(c.req))
	if err != nil {
		code := gateway.ErrorCode(err)
		s.settleDenied(ctx, c, code)
		writeError(w, ctx, err)
		return false
	}

	if s.deps.Wallets == nil || c.identity.WalletID == "" {
		return true
	}
	estCost := metering.EstimateCost(chain[0].Spec, c.estPrompt, c.estCompletion)
	resv, err := s.deps.Wallets.Reserve(c.identity.WalletID, estCost)
	if err != nil {
		if errors.Is(err, gateway.ErrWalletExhausted) && s.deps.Metrics != nil {
			s.deps.Metrics.WalletDenials.WithLabelValues(c.tenant.ID).Inc()
		}
		code := gateway.ErrorCode(err)
		s.settleDenied(ctx, c, code)
		writeError(w, ctx, err)
		return false
	}
	c.resv = resv
	return true
}

func (s *server) commitReservation(c *chatCall, cost float64) {
	if c.resv == nil {
		return
	}
	if err := s.deps.Wallets.Commit(c.resv, cost); err != nil {
		slog.Warn("wallet commit failed", "wallet", c.resv.WalletID, "error", err)
	}
}

func (s *server) releaseReservation(c *chatCall) {
	if c.resv == nil {
		return
	}
	if err := s.deps.Wallets.Release(c.resv); err != nil {
		slog.Warn("wallet release failed", "wallet", c.resv.WalletID, "error", err)
	}
}

// settleDenied records a denied request in the ledger and analytics.
func (s *server) settleDenied(ctx context.Context, c *chatCall, code string) {
	s.settle(ctx, &outcome{
		identity: c.identity, tenant: c.tenant, ext: c.ext,
		modelRequested: c.modelRequested,
		latency:        time.Since(c.started),
		finishReason:   gateway.FinishError,
		errorCode:      code, statusCode: gateway.StatusForCode(code),
		estBody: c.estBody, policyRule: c.policyRule,
	})
}

// routing resolves the connector, served model, and routing reason for one
// outcome. A policy reroute names its rule unless a failover already explains
// the dispatch.
func routing(o *outcome) (connector, modelUsed, reason string) {
	connector, modelUsed, reason = "", o.modelRequested, "cache"
	if o.dispatch != nil {
		connector = o.dispatch.Connector
		if o.dispatch.Model != "" {
			modelUsed = o.dispatch.Model
		}
		reason = o.dispatch.Reason
	}
	if o.errorCode != "" && reason == "cache" {
		reason = "denied"
	}
	if o.policyRule != "" && reason == "primary" {
		reason = "policy:" + o.policyRule
	}
	return connector, modelUsed, reason
}

// settle runs the post-request accounting: rate limit token settlement,
// ledger append, analytics event, metrics. The wallet commit or release has
// already happened; settlement never blocks the response path.
func (s *server) settle(ctx context.Context, o *outcome) {
	connector, modelUsed, reason := routing(o)

	if s.deps.Gate != nil && o.identity != nil {
		s.deps.Gate.Settle(o.identity.TenantID, o.identity.ActorID, int64(o.usage.TotalTokens)-o.estBody)
	}

	actions := gateway.PolicyActionsFromContext(ctx)

	if s.deps.Ledger != nil {
		rec := &gateway.LedgerRecord{
			TenantID:       o.tenant.ID,
			CorrelationID:  gateway.CorrelationIDFromContext(ctx),
			ActorID:        o.identity.ActorID,
			WalletID:       o.identity.WalletID,
			FeatureTag:     o.ext.FeatureTag,
			ModelRequested: o.modelRequested,
			ModelUsed:      modelUsed,
			Provider:       connector,
			RoutingReason:  reason,
			PromptTokens:   o.usage.PromptTokens,
			OutputTokens:   o.usage.CompletionTokens,
			CostUSD:        o.cost,
			LatencyMs:      int(o.latency.Milliseconds()),
			CacheHit:       o.cacheHit,
			Similarity:     o.similarity,
			PolicyActions:  strings.Join(actions, ","),
			FinishReason:   o.finishReason,
			ErrorCode:      o.errorCode,
		}
		if err := s.deps.Ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "ledger append failed",
				slog.String("tenant", o.tenant.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.deps.Analytics != nil {
		s.deps.Analytics.Record(gateway.AnalyticsRecord{
			TenantID:      o.tenant.ID,
			CorrelationID: gateway.CorrelationIDFromContext(ctx),
			ActorID:       o.identity.ActorID,
			FeatureTag:    o.ext.FeatureTag,
			Model:         modelUsed,
			Provider:      connector,
			PromptTokens:  o.usage.PromptTokens,
			OutputTokens:  o.usage.CompletionTokens,
			CostUSD:       o.cost,
			LatencyMs:     int(o.latency.Milliseconds()),
			CacheHit:      o.cacheHit,
			StatusCode:    o.statusCode,
		})
	}

	if s.deps.Metrics != nil {
		m := s.deps.Metrics
		if o.usage.PromptTokens > 0 {
			m.TokensProcessed.WithLabelValues(modelUsed, "prompt").Add(float64(o.usage.PromptTokens))
		}
		if o.usage.CompletionTokens > 0 {
			m.TokensProcessed.WithLabelValues(modelUsed, "completion").Add(float64(o.usage.CompletionTokens))
		}
		if o.cost > 0 {
			m.CostUSD.WithLabelValues(o.tenant.ID, modelUsed).Add(o.cost)
		}
		if o.dispatch != nil {
			m.UpstreamDuration.WithLabelValues(connector, modelUsed).Observe(o.latency.Seconds())
			if strings.HasPrefix(reason, "failover") {
				m.Failovers.WithLabelValues(o.modelRequested, reason).Inc()
			}
		}
	}
}

// responseExtensions builds the tollgate response object for one outcome.
func (s *server) responseExtensions(ctx context.Context, o *outcome) *gateway.ResponseExtensions {
	connector, modelUsed, reason := routing(o)

	var balance float64
	if s.deps.Wallets != nil && o.identity.WalletID != "" {
		if n, err := s.deps.Wallets.Get(o.identity.WalletID); err == nil {
			balance = n.Available()
		}
	}

	return &gateway.ResponseExtensions{
		CorrelationID:  gateway.CorrelationIDFromContext(ctx),
		Provider:       connector,
		ModelRequested: o.modelRequested,
		ModelUsed:      modelUsed,
		RoutingReason:  reason,
		CostUSD:        o.cost,
		CacheHit:       o.cacheHit,
		Similarity:     o.similarity,
		WalletBalance:  balance,
		PolicyActions:  gateway.PolicyActionsFromContext(ctx),
	}
}

// setTollgateHeaders mirrors the response extensions into X-Tollgate-* headers
// so streaming clients see them before the body.
func setTollgateHeaders(w http.ResponseWriter, ext *gateway.ResponseExtensions) {
	h := w.Header()
	if ext.Provider != "" {
		h["X-Tollgate-Provider"] = []string{ext.Provider}
	}
	h["X-Tollgate-Model"] = []string{ext.ModelUsed}
	h["X-Tollgate-Routing-Reason"] = []string{ext.RoutingReason}
	h["X-Tollgate-Cost-Usd"] = []string{strconv.FormatFloat(ext.CostUSD, 'f', -1, 64)}
	if ext.CacheHit {
		h["X-Tollgate-Cache"] = []string{"hit"}
	}
}

// dispatchSpec resolves the model spec the dispatch actually used.
func (s *server) dispatchSpec(d *router.Dispatch) *gateway.ModelSpec {
	if d == nil || s.deps.Providers == nil {
		return nil
	}
	cfg := s.deps.Providers.Config(d.Connector)
	if cfg == nil {
		return nil
	}
	return cfg.Model(d.Model)
}

// finishReason returns the first choice's finish reason.
func finishReason(resp *gateway.ChatResponse) string {
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		return resp.Choices[0].FinishReason
	}
	return gateway.FinishStop
}
