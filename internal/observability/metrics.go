package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the prometheus collectors for the resolution engine. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	AIRequests      *prometheus.CounterVec
	AILatency       *prometheus.HistogramVec
	AITokens        *prometheus.CounterVec
	AICost          *prometheus.CounterVec
	CircuitState    *prometheus.GaugeVec
	CacheLookups    *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	Resolutions     *prometheus.CounterVec
	ResolutionTime  *prometheus.HistogramVec
	StrategyChanges *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which is convenient in tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ai", Name: "requests_total",
			Help: "AI backend calls by backend, operation and outcome.",
		}, []string{"backend", "operation", "outcome"}),
		AILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ai", Name: "request_duration_seconds",
			Help:    "Latency of AI backend calls, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"backend", "operation"}),
		AITokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ai", Name: "tokens_total",
			Help: "Tokens consumed by direction.",
		}, []string{"backend", "direction"}),
		AICost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ai", Name: "cost_usd_total",
			Help: "Estimated spend in USD.",
		}, []string{"backend"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ai", Name: "circuit_state",
			Help: "Breaker state per backend: 0 closed, 1 half-open, 2 open.",
		}, []string{"backend"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Selector cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries removed from the selector cache by reason.",
		}, []string{"reason"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "resolutions_total",
			Help: "Completed resolutions by outcome and winning path.",
		}, []string{"outcome", "source"}),
		ResolutionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "resolution_duration_seconds",
			Help:    "End-to-end resolution latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),
		StrategyChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "strategy_adaptations_total",
			Help: "Execution plans degraded because of backend capabilities.",
		}, []string{"policy"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AIRequests, m.AILatency, m.AITokens, m.AICost, m.CircuitState,
		m.CacheLookups, m.CacheEvictions, m.Resolutions, m.ResolutionTime, m.StrategyChanges,
	}
}

// ObserveAICall records one guarded backend call.
func (m *Metrics) ObserveAICall(backend, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AIRequests.WithLabelValues(backend, operation, outcome).Inc()
	m.AILatency.WithLabelValues(backend, operation).Observe(d.Seconds())
}

// ObserveUsage records token usage and its cost.
func (m *Metrics) ObserveUsage(backend string, in, out int64, cost float64) {
	if m == nil {
		return
	}
	m.AITokens.WithLabelValues(backend, "input").Add(float64(in))
	m.AITokens.WithLabelValues(backend, "output").Add(float64(out))
	if cost > 0 {
		m.AICost.WithLabelValues(backend).Add(cost)
	}
}

// SetCircuitState publishes a breaker state as 0 closed, 1 half-open, 2 open.
func (m *Metrics) SetCircuitState(backend string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(backend).Set(state)
}

// ObserveCacheLookup records a hit or miss on a tier.
func (m *Metrics) ObserveCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// ObserveCacheEviction records an entry leaving the cache.
func (m *Metrics) ObserveCacheEviction(reason string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Inc()
}

// ObserveResolution records a finished resolution.
func (m *Metrics) ObserveResolution(outcome, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome, source).Inc()
	m.ResolutionTime.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveAdaptation records a plan that dropped a leg.
func (m *Metrics) ObserveAdaptation(policy string) {
	if m == nil {
		return
	}
	m.StrategyChanges.WithLabelValues(policy).Inc()
}
