// Package telemetry provides observability primitives for the Tollgate gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	Failovers         *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	RateLimitRejects  *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
	CostUSD           *prometheus.CounterVec
	WalletDenials     *prometheus.CounterVec
	SecurityIncidents *prometheus.CounterVec
	LedgerQueueLength prometheus.Gauge
	AnalyticsDropped  prometheus.Counter
	AnalyticsQueued   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tollgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tollgate",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"connector", "status"}),

		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "failovers_total",
			Help:      "Total requests served by a non-primary connector.",
		}, []string{"model", "reason"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "semcache_hits_total",
			Help:      "Total semantic cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "semcache_misses_total",
			Help:      "Total semantic cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "cost_usd_total",
			Help:      "Total metered spend in USD.",
		}, []string{"tenant", "model"}),

		WalletDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "wallet_denials_total",
			Help:      "Total requests denied by budget enforcement.",
		}, []string{"tenant"}),

		SecurityIncidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "security_incidents_total",
			Help:      "Total security scanner findings acted on.",
		}, []string{"kind", "action"}),

		LedgerQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "ledger_queue_length",
			Help:      "Current number of queued ledger records.",
		}),

		AnalyticsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "analytics_dropped_total",
			Help:      "Total analytics events dropped on full buffer.",
		}),

		AnalyticsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "analytics_queue_length",
			Help:      "Current number of queued analytics events.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.Failovers,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CostUSD,
		m.WalletDenials,
		m.SecurityIncidents,
		m.LedgerQueueLength,
		m.AnalyticsDropped,
		m.AnalyticsQueued,
	)

	return m
}
