package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_decision_total",
			Help: "Gatekeeper outcomes by route class (pass/redirect/blocked/rate_limited/error)",
		},
		[]string{"route", "outcome"},
	)
	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_duration_seconds",
			Help:    "Time spent in the gatekeeper before pass-through",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
	RateLimitChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_checks_total",
			Help: "Rate limit checks by backend (remote/fallback) and result (allowed/limited)",
		},
		[]string{"backend", "result"},
	)
	SessionOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_session_outcome_total",
			Help: "Single-session enforcement outcomes",
		},
		[]string{"op", "outcome"},
	)
	KVDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_kv_pipeline_duration_seconds",
			Help:    "Round trip latency of remote store pipelines",
			Buckets: []float64{0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
	KVErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_kv_errors_total",
			Help: "Remote store failures by kind",
		},
		[]string{"kind"},
	)
	KVCircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_kv_circuit_state",
			Help: "Remote store circuit state (0=closed, 1=open, 2=half-open)",
		},
	)
	KVCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_kv_circuit_transitions_total",
			Help: "Remote store circuit transitions",
		},
		[]string{"from", "to"},
	)
	NonceWeakSource = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_nonce_weak_source",
			Help: "1 when CSP nonces come from the non-cryptographic fallback source",
		},
	)
	AdminCleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_admin_cleanup_total",
			Help: "Admin session cleanups by result",
		},
		[]string{"result"},
	)
	ProxyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_upstream_duration_seconds",
			Help:    "Upstream app latency for passed requests",
			Buckets: prometheus.DefBuckets,
		},
	)
	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_upstream_errors_total",
			Help: "Upstream proxy errors by type",
		},
		[]string{"type"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "gatekeeper_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.3.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		GateDecision, GateDuration, RateLimitChecks, SessionOutcome,
		KVDuration, KVErrors, KVCircuitState, KVCircuitTransitions,
		NonceWeakSource, AdminCleanups, ProxyLatency, ProxyErrors, BuildInfo,
	)
}
