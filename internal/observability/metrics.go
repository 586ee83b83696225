// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for fidcgate.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the pipeline hot path. Label values for path are
// produced by the PathNormalizer, so their cardinality is bounded by the
// finite normalization set.
type Metrics struct {
	// Atomic counters for hot-path reads in tests and the snapshot.
	validated      int64
	rejected       int64
	upstreamErrors int64
	auditDropped   int64

	// PromRequests counts every request by normalized path, method, and
	// final status.
	PromRequests *prometheus.CounterVec
	// PromRequestDuration times every request with the same labels.
	PromRequestDuration *prometheus.HistogramVec
	// PromRequestErrors counts failed requests by taxonomy kind.
	PromRequestErrors *prometheus.CounterVec

	// PromSessionLookupDuration times session-store reads.
	PromSessionLookupDuration prometheus.Histogram

	// PromBreakerState exposes the current state per breaker policy
	// (0 closed, 1 half-open, 2 open).
	PromBreakerState *prometheus.GaugeVec

	promValidated    prometheus.Counter
	promRejected     prometheus.Counter
	promAuditDropped prometheus.Counter
}

// NewMetrics creates and registers the Prometheus collectors. The common
// application tag is expected to be applied by the caller via
// prometheus.WrapRegistererWith.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		PromRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fidcgate",
			Name:      "requests_total",
			Help:      "Total requests by normalized path, method, and status.",
		}, []string{"path", "method", "status"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fidcgate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds by normalized path, method, and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		PromRequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fidcgate",
			Name:      "request_errors_total",
			Help:      "Failed requests by normalized path, method, and error kind.",
		}, []string{"path", "method", "error_kind"}),
		PromSessionLookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fidcgate",
			Name:      "session_lookup_duration_seconds",
			Help:      "Session store read duration in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		}),
		PromBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fidcgate",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per policy (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
		promValidated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fidcgate",
			Name:      "sessions_validated_total",
			Help:      "Total successful session validations.",
		}),
		promRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fidcgate",
			Name:      "requests_rejected_total",
			Help:      "Total requests rejected before reaching an upstream.",
		}),
		promAuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fidcgate",
			Name:      "audit_events_dropped_total",
			Help:      "Audit rejection events dropped due to a full buffer.",
		}),
	}

	return m
}

// ObserveRequest records the terminal outcome of one request.
func (m *Metrics) ObserveRequest(path, method string, status int, seconds float64) {
	code := strconv.Itoa(status)
	m.PromRequests.WithLabelValues(path, method, code).Inc()
	m.PromRequestDuration.WithLabelValues(path, method, code).Observe(seconds)
}

// ObserveError records a failed request by taxonomy kind.
func (m *Metrics) ObserveError(path, method, kind string) {
	m.PromRequestErrors.WithLabelValues(path, method, kind).Inc()
}

// IncValidated increments the successful validation counter.
func (m *Metrics) IncValidated() {
	atomic.AddInt64(&m.validated, 1)
	m.promValidated.Inc()
}

// IncRejected increments the rejected request counter.
func (m *Metrics) IncRejected() {
	atomic.AddInt64(&m.rejected, 1)
	m.promRejected.Inc()
}

// IncUpstreamErrors increments the upstream failure counter.
func (m *Metrics) IncUpstreamErrors() {
	atomic.AddInt64(&m.upstreamErrors, 1)
}

// IncAuditDropped increments the dropped audit event counter.
func (m *Metrics) IncAuditDropped() {
	atomic.AddInt64(&m.auditDropped, 1)
	m.promAuditDropped.Inc()
}

// SetBreakerState records a breaker state transition on the gauge.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.PromBreakerState.WithLabelValues(name).Set(state)
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Validated      int64
	Rejected       int64
	UpstreamErrors int64
	AuditDropped   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Validated:      atomic.LoadInt64(&m.validated),
		Rejected:       atomic.LoadInt64(&m.rejected),
		UpstreamErrors: atomic.LoadInt64(&m.upstreamErrors),
		AuditDropped:   atomic.LoadInt64(&m.auditDropped),
	}
}
