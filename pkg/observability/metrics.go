package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can run without a registry in tests.
type Metrics struct {
	// Lifecycle metrics
	LifecycleOperationsTotal *prometheus.CounterVec
	ExtensionsByStatus       *prometheus.GaugeVec

	// Dispatch metrics
	HandlerExecutionsTotal   *prometheus.CounterVec
	HandlerExecutionDuration *prometheus.HistogramVec
	ActiveExecutions         prometheus.Gauge

	// Security validation metrics
	ValidationsTotal    *prometheus.CounterVec
	ValidationScore     prometheus.Histogram
	ValidationCacheHits prometheus.Counter
	ValidationCacheMiss prometheus.Counter
	PolicyActionsTotal  *prometheus.CounterVec

	// Monitoring metrics
	HealthChecksTotal  *prometheus.CounterVec
	ProcessMemoryBytes prometheus.Gauge
	ProcessCPUPercent  prometheus.Gauge

	// Event bus metrics
	EventsPublishedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LifecycleOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexus_lifecycle_operations_total",
				Help: "Total number of lifecycle operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		ExtensionsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plexus_extensions",
				Help: "Number of extensions by status",
			},
			[]string{"status"},
		),
		HandlerExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexus_handler_executions_total",
				Help: "Total number of extension point handler executions",
			},
			[]string{"point", "result"},
		),
		HandlerExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plexus_handler_execution_duration_seconds",
				Help:    "Extension point handler execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"point"},
		),
		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plexus_active_executions",
				Help: "Number of tracked in-flight handler executions",
			},
		),
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexus_security_validations_total",
				Help: "Total number of security validations by result",
			},
			[]string{"result"},
		),
		ValidationScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plexus_security_score",
				Help:    "Distribution of computed security scores",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
		),
		ValidationCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plexus_security_cache_hits_total",
				Help: "Total number of validation cache hits",
			},
		),
		ValidationCacheMiss: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plexus_security_cache_misses_total",
				Help: "Total number of validation cache misses",
			},
		),
		PolicyActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexus_policy_actions_total",
				Help: "Total number of advisory policy actions by action",
			},
			[]string{"action"},
		),
		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexus_health_checks_total",
				Help: "Total number of extension health checks by result",
			},
			[]string{"result"},
		),
		ProcessMemoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plexus_process_heap_bytes",
				Help: "Heap bytes in use, sampled by the performance monitor",
			},
		),
		ProcessCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plexus_process_cpu_percent",
				Help: "Process CPU usage between performance samples",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexus_events_published_total",
				Help: "Total number of lifecycle events published by type and result",
			},
			[]string{"event_type", "result"},
		),
	}

	registry.MustRegister(
		m.LifecycleOperationsTotal,
		m.ExtensionsByStatus,
		m.HandlerExecutionsTotal,
		m.HandlerExecutionDuration,
		m.ActiveExecutions,
		m.ValidationsTotal,
		m.ValidationScore,
		m.ValidationCacheHits,
		m.ValidationCacheMiss,
		m.PolicyActionsTotal,
		m.HealthChecksTotal,
		m.ProcessMemoryBytes,
		m.ProcessCPUPercent,
		m.EventsPublishedTotal,
	)

	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordLifecycle counts one lifecycle operation
func (m *Metrics) RecordLifecycle(operation string, ok bool) {
	if m == nil {
		return
	}
	m.LifecycleOperationsTotal.WithLabelValues(operation, result(ok)).Inc()
}

// RecordExecution observes one handler execution
func (m *Metrics) RecordExecution(point string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.HandlerExecutionsTotal.WithLabelValues(point, result(ok)).Inc()
	m.HandlerExecutionDuration.WithLabelValues(point).Observe(d.Seconds())
}

// SetActiveExecutions publishes the tracked in-flight count
func (m *Metrics) SetActiveExecutions(n int) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Set(float64(n))
}

// RecordValidation observes a freshly computed validation
func (m *Metrics) RecordValidation(passed bool, score float64) {
	if m == nil {
		return
	}
	if passed {
		m.ValidationsTotal.WithLabelValues("passed").Inc()
	} else {
		m.ValidationsTotal.WithLabelValues("failed").Inc()
	}
	m.ValidationScore.Observe(score)
}

// RecordCacheLookup counts a validation cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ValidationCacheHits.Inc()
	} else {
		m.ValidationCacheMiss.Inc()
	}
}

// RecordPolicyAction counts one advisory action
func (m *Metrics) RecordPolicyAction(action string) {
	if m == nil {
		return
	}
	m.PolicyActionsTotal.WithLabelValues(action).Inc()
}

// RecordHealthCheck counts one extension health check
func (m *Metrics) RecordHealthCheck(ok bool) {
	if m == nil {
		return
	}
	m.HealthChecksTotal.WithLabelValues(result(ok)).Inc()
}

// RecordEvent counts one published event
func (m *Metrics) RecordEvent(eventType string, ok bool) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, result(ok)).Inc()
}

// SetExtensionCounts replaces the per-status gauge values
func (m *Metrics) SetExtensionCounts(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.ExtensionsByStatus.Reset()
	for status, n := range byStatus {
		m.ExtensionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetProcessUsage publishes sampled process resource usage
func (m *Metrics) SetProcessUsage(heapBytes uint64, cpuPercent float64) {
	if m == nil {
		return
	}
	m.ProcessMemoryBytes.Set(float64(heapBytes))
	m.ProcessCPUPercent.Set(cpuPercent)
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
