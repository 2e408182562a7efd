// Package metrics exposes the load balancer's Prometheus metrics on a
// dedicated registry.
//
// Every method is safe to call on a nil *Metrics, so components can run
// without metrics wired in.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the metric namespace used when none is given.
const DefaultNamespace = "avalb"

// Metrics holds all Prometheus metrics of the load balancer.
type Metrics struct {
	selectionsTotal      *prometheus.CounterVec
	unavailableTotal     prometheus.Counter
	outcomesTotal        *prometheus.CounterVec
	requestLatency       *prometheus.HistogramVec
	inFlight             *prometheus.GaugeVec
	backendHealth        *prometheus.GaugeVec
	healthChecksTotal    *prometheus.CounterVec
	healthCheckDuration  *prometheus.HistogramVec
	circuitBreakerState  *prometheus.GaugeVec
	circuitBreakerTrans  *prometheus.CounterVec
	eligibleBackends     prometheus.Gauge
	adminRequestsTotal   *prometheus.CounterVec
	adminRequestDuration *prometheus.HistogramVec
	exportsTotal         *prometheus.CounterVec
	registry             *prometheus.Registry
}

// New creates a Metrics instance with its own registry, including the Go
// and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Total number of successful backend selections",
		},
		[]string{"backend", "algorithm"},
	)

	m.unavailableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unavailable_total",
			Help:      "Total number of selections that found no eligible backend",
		},
	)

	m.outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Total number of reported request outcomes",
		},
		[]string{"backend", "result"},
	)

	m.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Reported request latency in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"backend"},
	)

	m.inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Number of selected requests without a reported outcome",
		},
		[]string{"backend"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help:      "Backend health status (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	m.healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health probes",
		},
		[]string{"backend", "result"},
	)

	m.healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Health probe duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	m.circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	m.circuitBreakerTrans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	m.eligibleBackends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_backends",
			Help:      "Number of backends eligible for routing at the last health tick",
		},
	)

	m.adminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.adminRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_exports_total",
			Help:      "Total number of stats snapshot publications",
		},
		[]string{"sink", "result"},
	)

	m.registerCollectors()

	return m
}

func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.selectionsTotal,
		m.unavailableTotal,
		m.outcomesTotal,
		m.requestLatency,
		m.inFlight,
		m.backendHealth,
		m.healthChecksTotal,
		m.healthCheckDuration,
		m.circuitBreakerState,
		m.circuitBreakerTrans,
		m.eligibleBackends,
		m.adminRequestsTotal,
		m.adminRequestDuration,
		m.exportsTotal,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordSelection counts a successful selection.
func (m *Metrics) RecordSelection(backend, algorithm string) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(backend, algorithm).Inc()
}

// RecordUnavailable counts a selection without an eligible backend.
func (m *Metrics) RecordUnavailable() {
	if m == nil {
		return
	}
	m.unavailableTotal.Inc()
}

// RecordOutcome records a reported request outcome.
func (m *Metrics) RecordOutcome(backend string, latency time.Duration, success bool) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(backend, resultLabel(success)).Inc()
	m.requestLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// SetInFlight sets the in-flight gauge of a backend.
func (m *Metrics) SetInFlight(backend string, n int64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(backend).Set(float64(n))
}

// SetBackendHealth sets the backend health gauge.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(backend).Set(value)
}

// RecordHealthCheck records one health probe.
func (m *Metrics) RecordHealthCheck(backend string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.healthChecksTotal.WithLabelValues(backend, resultLabel(success)).Inc()
	m.healthCheckDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(backend string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a breaker transition and updates
// the state gauge.
func (m *Metrics) RecordCircuitBreakerTransition(backend, from, to string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerTrans.WithLabelValues(backend, from, to).Inc()
	m.circuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

// SetEligibleBackends sets the eligible backend gauge.
func (m *Metrics) SetEligibleBackends(n int) {
	if m == nil {
		return
	}
	m.eligibleBackends.Set(float64(n))
}

// RecordAdminRequest records a completed admin API request. route is the
// matched route pattern, not the raw path.
func (m *Metrics) RecordAdminRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.adminRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.adminRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordExport counts a stats publication to a sink.
func (m *Metrics) RecordExport(sink string, success bool) {
	if m == nil {
		return
	}
	m.exportsTotal.WithLabelValues(sink, resultLabel(success)).Inc()
}

// DeleteBackend removes every series labelled with a deregistered backend.
func (m *Metrics) DeleteBackend(backend string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"backend": backend}
	m.selectionsTotal.DeletePartialMatch(labels)
	m.outcomesTotal.DeletePartialMatch(labels)
	m.requestLatency.DeletePartialMatch(labels)
	m.inFlight.DeletePartialMatch(labels)
	m.backendHealth.DeletePartialMatch(labels)
	m.healthChecksTotal.DeletePartialMatch(labels)
	m.healthCheckDuration.DeletePartialMatch(labels)
	m.circuitBreakerState.DeletePartialMatch(labels)
	m.circuitBreakerTrans.DeletePartialMatch(labels)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
