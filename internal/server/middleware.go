package server

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/ratelimit"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError,
					errorEnvelope(gateway.CodeInternalError, "internal server error", gateway.CorrelationIDFromContext(r.Context())))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// correlationIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const correlationIDHeader = "X-Correlation-Id"

// maxCorrelationIDLen bounds client-supplied correlation ids.
const maxCorrelationIDLen = 64

// correlationID adds a UUID v7 correlation id to the context and response
// header, honoring a well-formed client-supplied one.
func (s *server) correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[correlationIDHeader]; len(vals) > 0 && isValidToken(vals[0], maxCorrelationIDLen) {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[correlationIDHeader] = []string{id}
		ctx := gateway.ContextWithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isValidToken checks that s is non-empty, at most maxLen bytes, and contains
// only [a-zA-Z0-9._-].
func isValidToken(s string, maxLen int) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("correlation_id", gateway.CorrelationIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// orgOverrideHeader lets a service account holding cross-tenant grants act
// in one of its other tenants for the duration of a request.
const orgOverrideHeader = "X-Tollgate-Org"

// authenticate validates credentials and injects Identity into context.
// When requestMeta already exists in context (set by correlationID middleware),
// the identity is stored by mutation -- no new context or request copy needed.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var authz string
		if vals := r.Header["Authorization"]; len(vals) > 0 {
			authz = vals[0]
		}
		identity, err := s.deps.Auth.Authenticate(r.Context(), authz)
		if err != nil {
			writeError(w, r.Context(), err)
			return
		}
		if vals := r.Header[orgOverrideHeader]; len(vals) > 0 && vals[0] != identity.TenantID {
			org := vals[0]
			if !isValidToken(org, maxCorrelationIDLen) || !identity.MayActIn(org) {
				writeError(w, r.Context(), gateway.ErrForbidden)
				return
			}
			// Authenticators may hand out cached identities; copy before
			// retargeting the tenant.
			override := *identity
			override.TenantID = org
			identity = &override
		}
		ctx := gateway.ContextWithIdentity(r.Context(), identity)
		if ctx == r.Context() {
			// Identity was stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// requireAdmin rejects callers whose identity does not carry the admin role.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := gateway.IdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, r.Context(), gateway.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// strippedHeaders are client-supplied headers that must never influence the
// upstream call. The gateway injects its own credentials per connector.
var strippedHeaders = []string{
	"X-Api-Key",
	"Api-Key",
	"Openai-Organization",
	"Openai-Project",
	"Anthropic-Version",
	"X-Forwarded-Authorization",
}

// normalizeHeaders strips upstream-bound auth and telemetry headers from the
// inbound request after authentication has consumed Authorization.
func (s *server) normalizeHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range strippedHeaders {
			delete(r.Header, h)
		}
		next.ServeHTTP(w, r)
	})
}

// Request timeout bounds. A client may shorten its own deadline via the
// X-Tollgate-Timeout-Ms header but never extend past maxClientTimeout.
const (
	defaultRequestTimeout = 2 * time.Minute
	maxClientTimeout      = 5 * time.Minute
	timeoutHeader         = "X-Tollgate-Timeout-Ms"
)

// timeout attaches a cancellable deadline to the request context.
func (s *server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.deps.RequestTimeout
		if d <= 0 {
			d = defaultRequestTimeout
		}
		if vals := r.Header[timeoutHeader]; len(vals) > 0 {
			if ms, err := strconv.Atoi(vals[0]); err == nil && ms > 0 {
				d = min(time.Duration(ms)*time.Millisecond, maxClientTimeout)
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// estimateBodyTokens approximates the request's token demand from its
// Content-Length before the body is decoded (~4 bytes per token).
func estimateBodyTokens(r *http.Request) int64 {
	if r.ContentLength <= 0 {
		return 0
	}
	return r.ContentLength / 4
}

// rateLimit enforces the dual tenant/actor buckets. Every response carries
// X-RateLimit-* headers for the bucket closest to exhaustion.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := gateway.IdentityFromContext(r.Context())
		if s.deps.Gate == nil || identity == nil {
			next.ServeHTTP(w, r)
			return
		}

		d := s.deps.Gate.Check(
			identity.TenantID, ratelimit.Limits{RPM: s.deps.DefaultRPM, TPM: s.deps.DefaultTPM},
			identity.ActorID, ratelimit.Limits{RPM: identity.RPMLimit, TPM: identity.TPMLimit},
			estimateBodyTokens(r),
		)
		setRateLimitHeaders(w, &d)
		if !d.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues(limitScope(d.PolicyID)).Inc()
			}
			writeRateLimitError(w, r.Context(), &d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitScope extracts the metric scope ("rpm" or "tpm") from a policy id
// like "rpm:actor:user-7".
func limitScope(policyID string) string {
	for i := 0; i < len(policyID); i++ {
		if policyID[i] == ':' {
			return policyID[:i]
		}
	}
	return "unknown"
}

func setRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h["X-Ratelimit-Limit"] = []string{strconv.FormatInt(d.Limit, 10)}
	h["X-Ratelimit-Remaining"] = []string{strconv.FormatInt(d.Remaining, 10)}
	h["X-Ratelimit-Reset"] = []string{strconv.FormatInt(d.Reset.Unix(), 10)}
	if d.PolicyID != "" {
		h["X-Ratelimit-Policy"] = []string{d.PolicyID}
	}
}

func writeRateLimitError(w http.ResponseWriter, ctx context.Context, d *ratelimit.Decision) {
	retry := int(math.Ceil(d.RetryAfterSeconds))
	if retry < 1 {
		retry = 1
	}
	w.Header()["Retry-After"] = []string{strconv.Itoa(retry)}
	env := errorEnvelope(gateway.CodeRateLimited, "rate limit exceeded", gateway.CorrelationIDFromContext(ctx))
	env.Error.Details = map[string]any{"policy_id": d.PolicyID, "retry_after_s": d.RetryAfterSeconds}
	writeJSON(w, http.StatusTooManyRequests, env)
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
