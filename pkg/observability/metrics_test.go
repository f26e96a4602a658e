package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RecordLifecycle("install", true)
	m.RecordExecution("context.before_update", 20*time.Millisecond, false)
	m.RecordValidation(true, 85)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordPolicyAction("quarantine")
	m.RecordHealthCheck(false)
	m.RecordEvent("extension_installed", true)
	m.SetActiveExecutions(2)
	m.SetExtensionCounts(map[string]int{"active": 3})
	m.SetProcessUsage(1024, 12.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleOperationsTotal.WithLabelValues("install", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerExecutionsTotal.WithLabelValues("context.before_update", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationsTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationCacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationCacheMiss))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyActionsTotal.WithLabelValues("quarantine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthChecksTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("extension_installed", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveExecutions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ExtensionsByStatus.WithLabelValues("active")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.ProcessMemoryBytes))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLifecycle("install", true)
		m.RecordExecution("p", time.Second, true)
		m.RecordValidation(false, 10)
		m.RecordCacheLookup(true)
		m.RecordPolicyAction("x")
		m.RecordHealthCheck(true)
		m.RecordEvent("e", false)
		m.SetActiveExecutions(1)
		m.SetExtensionCounts(nil)
		m.SetProcessUsage(0, 0)
	})
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordLifecycle("activate", true)

	server := httptest.NewServer(MetricsHandler(registry))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "plexus_lifecycle_operations_total"))
}
