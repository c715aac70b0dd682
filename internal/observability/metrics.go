package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	sessions            *prometheus.CounterVec
	executorCalls       *prometheus.CounterVec
	executorDuration    prometheus.Histogram
	rateLimitRejections prometheus.Counter
	rateLimitDegraded   *prometheus.CounterVec
	auditWriteFailures  *prometheus.CounterVec
	notifySubscribers   prometheus.Gauge
	notifyEvictions     prometheus.Counter
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "computer_use_sessions_total",
			Help: "Computer use sessions by terminal status",
		}, []string{"status"}),
		executorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_calls_total",
			Help: "Agent executor invocations by outcome",
		}, []string{"outcome"}),
		executorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "executor_duration_seconds",
			Help:    "Agent executor latency",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		rateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by the per-identity quota",
		}),
		rateLimitDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_degraded_total",
			Help: "Quota decisions taken without the counter store",
		}, []string{"decision"}),
		auditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit entries that could not be persisted",
		}, []string{"reason"}),
		notifySubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_subscribers",
			Help: "Live session stream subscriptions",
		}),
		notifyEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_evictions_total",
			Help: "Subscribers closed because their buffer was full",
		}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpRequestDuration,
		m.sessions,
		m.executorCalls,
		m.executorDuration,
		m.rateLimitRejections,
		m.rateLimitDegraded,
		m.auditWriteFailures,
		m.notifySubscribers,
		m.notifyEvictions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records one served request
func (m *Metrics) ObserveHTTPRequest(method, endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// SessionFinished counts a session reaching a terminal status
func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(status).Inc()
}

// ExecutorCall records one executor invocation
func (m *Metrics) ExecutorCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executorCalls.WithLabelValues(outcome).Inc()
	m.executorDuration.Observe(d.Seconds())
}

// RateLimitRejected counts a denied request
func (m *Metrics) RateLimitRejected() {
	if m == nil {
		return
	}
	m.rateLimitRejections.Inc()
}

// RateLimitDegraded counts a decision made while the counter store failed
func (m *Metrics) RateLimitDegraded(decision string) {
	if m == nil {
		return
	}
	m.rateLimitDegraded.WithLabelValues(decision).Inc()
}

// AuditWriteFailed counts an audit entry that was dropped
func (m *Metrics) AuditWriteFailed(reason string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(reason).Inc()
}

// SubscriberAdded tracks a new stream subscription
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.notifySubscribers.Inc()
}

// SubscriberRemoved tracks a closed stream subscription
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.notifySubscribers.Dec()
}

// SubscriberEvicted counts a slow subscriber being dropped
func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.notifyEvictions.Inc()
}
