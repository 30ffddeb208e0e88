// Package telemetry holds the prometheus instruments for the rate-limiting
// pipeline. One Metrics instance is built per process and handed to every
// component; nothing registers against the global default registry.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the decision pipeline emits.
type Metrics struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	RequestsCancelled prometheus.Counter
	CheckDuration     *prometheus.HistogramVec
	BucketTokens      *prometheus.GaugeVec
	BucketUsagePct    *prometheus.GaugeVec

	PolicyCacheHits     prometheus.Counter
	PolicyCacheMisses   prometheus.Counter
	PolicyCacheHitRatio prometheus.Gauge

	OverrideCacheHits   prometheus.Counter
	OverrideCacheMisses prometheus.Counter

	FallbackActivations *prometheus.CounterVec

	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	OverrideApplied *prometheus.CounterVec

	AbuseFlags   *prometheus.CounterVec
	AbuseJobRuns *prometheus.CounterVec

	StoreUp *prometheus.GaugeVec
}

// New builds and registers all instruments. A nil registry gets a private
// one, which keeps tests isolated.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Rate-limit checks by outcome.",
		}, []string{"tenant_id", "endpoint", "result", "state", "mode"}),

		RequestsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_cancelled_total",
			Help: "Checks abandoned because the caller cancelled.",
		}),

		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "check_duration_ms",
			Help:    "Bucket check latency in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"scope"}),

		BucketTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucket_tokens",
			Help: "Tokens remaining after the last check.",
		}, []string{"scope", "tenant_id"}),

		BucketUsagePct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucket_usage_pct",
			Help: "Bucket usage percentage after the last check.",
		}, []string{"scope", "tenant_id", "endpoint"}),

		PolicyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_cache_hits_total",
			Help: "Tenant policy lookups served from cache.",
		}),

		PolicyCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_cache_misses_total",
			Help: "Tenant policy lookups that went to the store.",
		}),

		PolicyCacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_cache_hit_ratio",
			Help: "Hits over total policy cache lookups.",
		}),

		OverrideCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "override_cache_hits_total",
			Help: "Override lookups served from cache.",
		}),

		OverrideCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "override_cache_misses_total",
			Help: "Override lookups that went to the store.",
		}),

		FallbackActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_activations_total",
			Help: "Decisions served by the in-process fallback limiter.",
		}, []string{"reason"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"resource"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"resource", "from", "to"}),

		OverrideApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "override_applied_total",
			Help: "Overrides applied to decisions or installed by the detector.",
		}, []string{"type", "source"}),

		AbuseFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abuse_detection_flags_total",
			Help: "Tenants flagged by the abuse detector.",
		}, []string{"tenant_id", "severity"}),

		AbuseJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abuse_detection_job_runs_total",
			Help: "Abuse detector runs by status.",
		}, []string{"status"}),

		StoreUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "store_up",
			Help: "Backing store reachability: 1 up, 0 down.",
		}, []string{"resource"}),
	}

	registry.MustRegister(
		m.Requests,
		m.RequestsCancelled,
		m.CheckDuration,
		m.BucketTokens,
		m.BucketUsagePct,
		m.PolicyCacheHits,
		m.PolicyCacheMisses,
		m.PolicyCacheHitRatio,
		m.OverrideCacheHits,
		m.OverrideCacheMisses,
		m.FallbackActivations,
		m.BreakerState,
		m.BreakerTransitions,
		m.OverrideApplied,
		m.AbuseFlags,
		m.AbuseJobRuns,
		m.StoreUp,
	)
	return m
}

// Registry exposes the backing registry for scrape handler wiring.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
