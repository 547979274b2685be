package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/metering"
	"github.com/tollgate-io/tollgate/internal/telemetry"
)

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.ReadyCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// metricsMiddleware instruments every request with the chi route pattern as
// the path label, keeping metric cardinality bounded by the route table.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			start := time.Now()
			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false
			next.ServeHTTP(sw, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			m.RequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
			m.ActiveRequests.Dec()

			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		})
	}
}

// modelEntry is one row of the /v1/models listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleListModels aggregates every model advertised by an enabled connector,
// in the OpenAI list format. A model served by several connectors appears once.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	data := []modelEntry{}
	if s.deps.Providers != nil {
		for _, cfg := range s.deps.Providers.Configs() {
			if !cfg.Enabled {
				continue
			}
			for _, m := range cfg.Models {
				if seen[m.Name] {
					continue
				}
				seen[m.Name] = true
				data = append(data, modelEntry{ID: m.Name, Object: "model", OwnedBy: cfg.ID})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// walletNodeView is one level of the balance report.
type walletNodeView struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	HardLimit   float64 `json:"hard_limit"`
	Spent       float64 `json:"spent"`
	Reserved    float64 `json:"reserved"`
	Overdraft   float64 `json:"overdraft,omitempty"`
	Available   float64 `json:"available"`
	Utilization float64 `json:"utilization"`
}

// handleWalletBalance reports the caller's effective wallet chain, root
// first. Effective available is the minimum headroom along the chain -- the
// number a Reserve of that size would just pass.
func (s *server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	if s.deps.Wallets == nil || identity == nil || identity.WalletID == "" {
		writeError(w, r.Context(), gateway.ErrNotFound)
		return
	}
	nodes, err := s.deps.Wallets.Chain(identity.WalletID)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}

	chain := make([]walletNodeView, len(nodes))
	effective := nodes[0].Available()
	for i, n := range nodes {
		avail := n.Available()
		if avail < effective {
			effective = avail
		}
		chain[i] = walletNodeView{
			ID: n.ID, Kind: string(n.Kind),
			HardLimit: n.HardLimit, Spent: n.Spent, Reserved: n.Reserved,
			Overdraft: n.Overdraft, Available: avail, Utilization: n.Utilization(),
		}
	}

	leaf := nodes[len(nodes)-1]
	resp := map[string]any{
		"wallet_id":           leaf.ID,
		"effective_available": effective,
		"chain":               chain,
	}
	if forecast, ok := forecastSpend(leaf, time.Now().UTC()); ok {
		resp["forecast_period_spend"] = forecast
	}
	writeJSON(w, http.StatusOK, resp)
}

// forecastSpend projects the leaf wallet's spend at period end by linear
// extrapolation over the elapsed fraction of the reset period.
func forecastSpend(w *gateway.Wallet, now time.Time) (float64, bool) {
	var start time.Time
	switch w.ResetPeriod {
	case "daily":
		start = now.Truncate(24 * time.Hour)
	case "weekly":
		days := (int(now.Weekday()) - w.ResetDay%7 + 7) % 7
		start = now.Truncate(24*time.Hour).AddDate(0, 0, -days)
	case "monthly":
		day := w.ResetDay
		if day < 1 {
			day = 1
		}
		start = time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, time.UTC)
		if start.After(now) {
			start = start.AddDate(0, -1, 0)
		}
	default:
		return 0, false
	}

	var end time.Time
	switch w.ResetPeriod {
	case "daily":
		end = start.AddDate(0, 0, 1)
	case "weekly":
		end = start.AddDate(0, 0, 7)
	case "monthly":
		end = start.AddDate(0, 1, 0)
	}

	elapsed := now.Sub(start).Seconds()
	total := end.Sub(start).Seconds()
	if elapsed <= 0 || total <= 0 {
		return w.Spent, true
	}
	return w.Spent * total / elapsed, true
}

// handleAnalyticsCost aggregates the caller's cost ledger. Filters arrive as
// query parameters; tenant scope always comes from the authenticated identity.
func (s *server) handleAnalyticsCost(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil || s.deps.Store == nil {
		writeError(w, r.Context(), gateway.ErrUnauthorized)
		return
	}
	q := r.URL.Query()
	f := gateway.CostFilter{
		TenantID: identity.TenantID,
		ActorID:  q.Get("actor"),
		Model:    q.Get("model"),
		Feature:  q.Get("feature"),
		Since:    q.Get("since"),
		Until:    q.Get("until"),
		GroupBy:  q.Get("group_by"),
	}
	if f.GroupBy == "" {
		f.GroupBy = "model"
	}
	buckets, err := s.deps.Store.AggregateCost(r.Context(), f)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_by": f.GroupBy, "buckets": buckets})
}

// handleEmbeddings proxies an embedding request down the failover chain with
// the same wallet accounting as chat, minus streaming and caching.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	if identity == nil {
		writeError(w, ctx, gateway.ErrUnauthorized)
		return
	}

	var req gateway.EmbeddingRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Input) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.CodeInvalidRequest, "model and input are required", gateway.CorrelationIDFromContext(ctx)))
		return
	}

	tenant, err := s.deps.Tenants.Resolve(ctx, identity.TenantID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	started := time.Now()
	estTokens := (len(req.Input) + 3) / 4

	chain, err := s.deps.Router.Plan(req.Model, tenant.Residency, "", nil)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	c := &chatCall{
		identity: identity, tenant: tenant,
		ext:            &gateway.RequestExtensions{},
		modelRequested: req.Model,
		estBody:        estimateBodyTokens(r),
		started:        started,
	}
	estCost := metering.EstimateCost(chain[0].Spec, estTokens, 0)
	if s.deps.Wallets != nil && identity.WalletID != "" {
		resv, err := s.deps.Wallets.Reserve(identity.WalletID, estCost)
		if err != nil {
			code := gateway.ErrorCode(err)
			s.settleDenied(ctx, c, code)
			writeError(w, ctx, err)
			return
		}
		c.resv = resv
	}

	resp, d, err := s.deps.Router.Embeddings(ctx, &req, tenant.Residency)
	latency := time.Since(started)
	if err != nil {
		s.releaseReservation(c)
		code := gateway.ErrorCode(err)
		s.settle(ctx, &outcome{
			identity: identity, tenant: tenant, ext: c.ext,
			modelRequested: req.Model, dispatch: d,
			latency: latency, finishReason: gateway.FinishError,
			errorCode: code, statusCode: gateway.StatusForCode(code),
			estBody: c.estBody,
		})
		writeError(w, ctx, err)
		return
	}

	usage := gateway.Usage{PromptTokens: estTokens}
	if resp.Usage != nil {
		usage = *resp.Usage
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	cost := metering.Cost(s.dispatchSpec(d), usage.PromptTokens, usage.CompletionTokens)
	s.commitReservation(c, cost)
	s.settle(ctx, &outcome{
		identity: identity, tenant: tenant, ext: c.ext,
		modelRequested: req.Model, dispatch: d,
		usage: usage, cost: cost, latency: latency,
		finishReason: gateway.FinishStop, statusCode: http.StatusOK,
		estBody: c.estBody,
	})

	writeJSON(w, http.StatusOK, resp)
}

// handleCompletion serves the legacy completions surface by translating into
// a single-message chat request. Streaming legacy calls receive chat-format
// chunks; the SDKs that still use this endpoint accept both.
func (s *server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.CompletionRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Prompt) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.CodeInvalidRequest, "model and prompt are required", gateway.CorrelationIDFromContext(r.Context())))
		return
	}

	content := req.Prompt
	// Array prompts collapse to their first element; multi-prompt batch
	// completions are not supported.
	if content[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(content, &parts); err != nil || len(parts) == 0 {
			writeJSON(w, http.StatusBadRequest,
				errorEnvelope(gateway.CodeInvalidRequest, "invalid prompt", gateway.CorrelationIDFromContext(r.Context())))
			return
		}
		content = parts[0]
	}

	chatReq := &gateway.ChatRequest{
		Model:       req.Model,
		Messages:    []gateway.Message{{Role: "user", Content: content}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		User:        req.User,
		Tollgate:    req.Tollgate,
	}
	s.serveChat(w, r, chatReq, writeCompletionResponse)
}

// writeCompletionResponse converts a chat response back into the legacy
// text_completion shape.
func writeCompletionResponse(w http.ResponseWriter, resp *gateway.ChatResponse) {
	choices := make([]map[string]any, len(resp.Choices))
	for i, ch := range resp.Choices {
		var text string
		if t, ok := messageText(ch.Message.Content); ok {
			text = t
		}
		choices[i] = map[string]any{
			"index":         ch.Index,
			"text":          text,
			"finish_reason": ch.FinishReason,
		}
	}
	out := map[string]any{
		"id":      resp.ID,
		"object":  "text_completion",
		"created": resp.Created,
		"model":   resp.Model,
		"choices": choices,
	}
	if resp.Usage != nil {
		out["usage"] = resp.Usage
	}
	if resp.Tollgate != nil {
		out["tollgate"] = resp.Tollgate
	}
	writeJSON(w, http.StatusOK, out)
}
