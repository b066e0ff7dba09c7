// Package metrics exposes the proxy's Prometheus instrumentation: request
// outcomes, upstream attempt failures, failovers, provider health, stream
// fan-out and the deduplication index. All collectors are registered on the
// default registry under the msgmux namespace.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "msgmux"

// LatencyBuckets spans interactive completions through long streamed
// generations. The tail buckets matter: a 300s request is slow but normal.
var LatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Request outcomes, as seen by the client-facing handler.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Messages requests served, by provider, model and response status.",
	}, []string{"provider", "model", "status_code"})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_latency_seconds",
		Help:      "End-to-end request latency in seconds.",
		Buckets:   LatencyBuckets,
	}, []string{"provider", "model"})

	TimeToFirstToken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_first_token_seconds",
		Help:      "Latency until the first streamed event reached the client.",
		Buckets:   LatencyBuckets,
	}, []string{"provider", "model"})

	InputTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "input_tokens",
		Help:      "Input tokens reported by upstream usage blocks.",
	}, []string{"provider", "model"})

	OutputTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "output_tokens",
		Help:      "Output tokens reported by upstream usage blocks.",
	}, []string{"provider", "model"})
)

// Upstream attempt failures and the failover decisions they trigger.
var (
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Failed upstream attempts, by provider and error kind.",
	}, []string{"provider", "error_kind"})

	FailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failovers_total",
		Help:      "Attempts abandoned in favor of the next candidate, by failed provider and error kind.",
	}, []string{"provider", "error_kind"})
)

// Provider health gauges mirror the health tracker's view.
var (
	ProviderHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_healthy",
		Help:      "1 if the provider is currently eligible for selection, 0 otherwise.",
	}, []string{"provider"})

	ProviderConsecutiveErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_consecutive_errors",
		Help:      "Consecutive qualifying errors recorded against the provider.",
	}, []string{"provider"})
)

// Deduplication and stream fan-out.
var (
	DedupAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_admissions_total",
		Help:      "Admission decisions of the deduplication index, by role.",
	}, []string{"role"})

	DedupInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dedup_in_flight",
		Help:      "Fingerprints currently tracked as in flight.",
	})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Upstream streams currently being pumped to subscribers.",
	})
)

// Control plane.
var ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "config_reloads_total",
	Help:      "Configuration reload attempts, by outcome.",
}, []string{"outcome"})

// RecordRequest counts a finished request and observes its latency.
func RecordRequest(provider, model string, statusCode int, elapsed time.Duration) {
	m := sanitizeModelLabel(model)
	RequestsTotal.WithLabelValues(provider, m, strconv.Itoa(statusCode)).Inc()
	RequestLatency.WithLabelValues(provider, m).Observe(elapsed.Seconds())
}

// RecordFirstToken observes the delay before the first streamed event.
func RecordFirstToken(provider, model string, elapsed time.Duration) {
	TimeToFirstToken.WithLabelValues(provider, sanitizeModelLabel(model)).Observe(elapsed.Seconds())
}

// RecordTokens adds upstream-reported usage to the token counters.
func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	m := sanitizeModelLabel(model)
	if inputTokens > 0 {
		InputTokens.WithLabelValues(provider, m).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		OutputTokens.WithLabelValues(provider, m).Add(float64(outputTokens))
	}
}

// RecordUpstreamError counts a failed attempt against a provider.
func RecordUpstreamError(provider, errorKind string) {
	UpstreamErrors.WithLabelValues(provider, errorKind).Inc()
}

// RecordFailover counts an attempt handed off to the next candidate.
func RecordFailover(provider, errorKind string) {
	FailoversTotal.WithLabelValues(provider, errorKind).Inc()
}

// SetProviderHealth publishes the tracker's view of one provider.
func SetProviderHealth(provider string, healthy bool, consecutiveErrors int) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	ProviderHealthy.WithLabelValues(provider).Set(v)
	ProviderConsecutiveErrors.WithLabelValues(provider).Set(float64(consecutiveErrors))
}

// RecordAdmission counts a deduplication admission decision.
func RecordAdmission(primary bool) {
	role := "duplicate"
	if primary {
		role = "primary"
	}
	DedupAdmissions.WithLabelValues(role).Inc()
}

// RecordConfigReload counts a reload attempt.
func RecordConfigReload(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ConfigReloads.WithLabelValues(outcome).Inc()
}

// sanitizeModelLabel bounds label cardinality: client-supplied model names go
// straight into metric labels, so anything oversized or outside the expected
// charset collapses to "invalid".
func sanitizeModelLabel(model string) string {
	if model == "" {
		return "unknown"
	}
	if len(model) > 100 {
		return "invalid"
	}
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':' || r == '/':
		default:
			return "invalid"
		}
	}
	return model
}
