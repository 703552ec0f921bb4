package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway
	RPCCalls        *prometheus.CounterVec
	RPCCallLatency  *prometheus.HistogramVec
	RPCRetries      *prometheus.CounterVec
	RPCCallFailures *prometheus.CounterVec

	// Cache
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Discovery
	RouteCandidates  *prometheus.CounterVec
	DiscoveryLatency prometheus.Histogram
	PriceImpact      prometheus.Histogram

	// Security
	TokenVerdicts     *prometheus.CounterVec
	PatternMatches    *prometheus.CounterVec
	ReputationErrors  prometheus.Counter
	MEVSignals        *prometheus.CounterVec
	ValidationResults *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "swapguard"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Chain calls by operation",
		}, []string{"op"}),
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_latency_seconds",
			Help:      "Chain call latency including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RPCRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Retried chain call attempts by operation",
		}, []string{"op"}),
		RPCCallFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "failures_total",
			Help:      "Failed chain calls by operation and error kind",
		}, []string{"op", "kind"}),

		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Metadata cache hits by cache name",
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Metadata cache misses by cache name",
		}, []string{"cache"}),

		RouteCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "candidates_total",
			Help:      "Evaluated route candidates by outcome",
		}, []string{"hops", "outcome"}),
		DiscoveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Route discovery duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PriceImpact: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "price_impact_ratio",
			Help:      "Price impact of discovered routes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.03, 0.05, 0.1, 0.25, 1},
		}),

		TokenVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "token_verdicts_total",
			Help:      "Token verdicts by result",
		}, []string{"result"}),
		PatternMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "pattern_matches_total",
			Help:      "Bytecode pattern matches by pattern and confirmation",
		}, []string{"pattern", "confirmed"}),
		ReputationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "reputation_errors_total",
			Help:      "Failed reputation lookups",
		}),
		MEVSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mev",
			Name:      "signals_total",
			Help:      "MEV risk signals by source",
		}, []string{"source"}),
		ValidationResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "validations_total",
			Help:      "Swap validations by result and failed stage",
		}, []string{"result", "stage"}),
	}
}

// Registry exposes the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
