// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/replfleet/replfleet/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Execution metrics (orchestrator)
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsRunning  prometheus.Gauge
	CleanupFailures    *prometheus.CounterVec

	// Registry metrics
	LeasesActive  *prometheus.GaugeVec
	KeepaliveFail *prometheus.CounterVec

	// Gateway metrics
	ValidationRejections *prometheus.CounterVec
	RateLimitRejections  prometheus.Counter

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Execution metrics
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repl_executions_total",
				Help: "Total number of code executions by language and outcome",
			},
			[]string{"language", "outcome"}, // outcome: success, error, timeout
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repl_execution_duration_seconds",
				Help:    "Execution duration in seconds from container start to removal",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 45, 60},
			},
			[]string{"language"},
		),
		ExecutionsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "repl_executions_running",
				Help: "Current number of containers running in the orchestrator",
			},
		),
		CleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repl_cleanup_failures_total",
				Help: "Container removals that failed after execution finished",
			},
			[]string{"reason"},
		),

		// Registry metrics
		LeasesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "repl_registry_leases_active",
				Help: "Active service-instance leases by service name",
			},
			[]string{"service"},
		),
		KeepaliveFail: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repl_registry_keepalive_failures_total",
				Help: "Keepalive calls that failed, by calling service",
			},
			[]string{"service"},
		),

		// Gateway metrics
		ValidationRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repl_validation_rejections_total",
				Help: "Requests rejected by the code-safety validator, by rule name",
			},
			[]string{"rule"},
		),
		RateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repl_rate_limit_rejections_total",
				Help: "Requests rejected by the per-IP rate limiter",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.ExecutionsRunning,
			m.CleanupFailures,
			m.LeasesActive,
			m.KeepaliveFail,
			m.ValidationRejections,
			m.RateLimitRejections,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordExecution records a finished execution's outcome and duration.
func (m *Metrics) RecordExecution(language, outcome string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordCleanupFailure records a container that could not be removed after execution.
func (m *Metrics) RecordCleanupFailure(reason string) {
	m.CleanupFailures.WithLabelValues(reason).Inc()
}

// SetLeasesActive sets the current lease count for a service name.
func (m *Metrics) SetLeasesActive(service string, count int) {
	m.LeasesActive.WithLabelValues(service).Set(float64(count))
}

// RecordKeepaliveFailure records a failed lease keepalive call.
func (m *Metrics) RecordKeepaliveFailure(service string) {
	m.KeepaliveFail.WithLabelValues(service).Inc()
}

// RecordValidationRejection records a request blocked by the given validator rule.
func (m *Metrics) RecordValidationRejection(rule string) {
	m.ValidationRejections.WithLabelValues(rule).Inc()
}

// RecordRateLimitRejection records a 429 response from the rate limiter.
func (m *Metrics) RecordRateLimitRejection() {
	m.RateLimitRejections.Inc()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
