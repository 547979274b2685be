// Package server implements the HTTP transport layer for the Tollgate gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/app"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/policy"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/ratelimit"
	"github.com/tollgate-io/tollgate/internal/router"
	"github.com/tollgate-io/tollgate/internal/security"
	"github.com/tollgate-io/tollgate/internal/semcache"
	"github.com/tollgate-io/tollgate/internal/storage"
	"github.com/tollgate-io/tollgate/internal/telemetry"
	"github.com/tollgate-io/tollgate/internal/wallet"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// LedgerAppender enqueues audit records for the async ledger writer.
type LedgerAppender interface {
	Append(ctx context.Context, rec *gateway.LedgerRecord) error
}

// AnalyticsRecorder records analytics events asynchronously.
type AnalyticsRecorder interface {
	Record(gateway.AnalyticsRecord)
}

// TokenCounter estimates token counts for request text.
type TokenCounter interface {
	EstimateRequest(model string, messages []gateway.Message) int
	EstimateCompletion(req *gateway.ChatRequest) int
	CountText(text string) int
}

// KeyInvalidator drops cached auth entries after admin key mutations.
type KeyInvalidator interface {
	InvalidateByKeyID(id string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           gateway.Authenticator
	Router         *router.Router
	Providers      *provider.Registry
	Health         *health.Registry // nil = route table omits connector state
	Tenants        *app.TenantResolver
	Keys           *app.KeyManager
	KeyInvalidator KeyInvalidator // nil = no auth cache invalidation
	Wallets        *wallet.Service
	Ledger         LedgerAppender      // nil = no audit trail
	LedgerStore    storage.LedgerStore // chain verification reads
	Policy         *policy.Evaluator   // nil = allow everything
	Scanner        *security.Scanner   // nil = no security scanning
	SemCache       *semcache.Cache     // nil = no semantic caching
	Gate           *ratelimit.Gate     // nil = no rate limiting
	Analytics      AnalyticsRecorder   // nil = no analytics
	Meter          TokenCounter
	Store          storage.Store
	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	DefaultRPM     int64              // tenant-scope fallback, 0 = unlimited
	DefaultTPM     int64
	RequestTimeout time.Duration // 0 = 2 minutes
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.correlationID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required) -- OpenAI-compatible surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Use(s.normalizeHeaders)
		r.Use(s.timeout)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/completions", s.handleCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/wallet/balance", s.handleWalletBalance)
		r.Get("/v1/analytics/cost", s.handleAnalyticsCost)
	})

	// Administrative API (admin role required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)

		r.Get("/v1/routes", s.handleListRouteTable)
		r.Post("/v1/routes", s.handleTuneRoute)

		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.handleListPolicies)
			r.Post("/", s.handleCreatePolicy)
			r.Get("/{id}", s.handleGetPolicy)
			r.Put("/{id}", s.handleUpdatePolicy)
			r.Delete("/{id}", s.handleDeletePolicy)
		})

		r.Route("/admin/v1", func(r chi.Router) {
			r.Get("/tenants", s.handleListTenants)
			r.Post("/tenants", s.handleCreateTenant)
			r.Get("/tenants/{id}", s.handleGetTenant)
			r.Put("/tenants/{id}", s.handleUpdateTenant)
			r.Delete("/tenants/{id}", s.handleDeleteTenant)

			r.Get("/wallets", s.handleListWallets)
			r.Post("/wallets", s.handleCreateWallet)
			r.Get("/wallets/{id}", s.handleGetWallet)
			r.Post("/wallets/transfer", s.handleWalletTransfer)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Get("/keys/{id}", s.handleGetKey)
			r.Put("/keys/{id}", s.handleUpdateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)

			r.Get("/ledger/verify", s.handleLedgerVerify)
			r.Get("/incidents", s.handleListIncidents)
			r.Get("/holds", s.handleListHeldRequests)
			r.Post("/cache/purge", s.handleCachePurge)
		})
	})

	return r
}

type server struct {
	deps Deps
}
