package metric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordTransferSent("message")
	registry.CoreMetrics().RecordError("queue_full", "warning")

	names := gatheredNames(t, registry)
	assert.True(t, names["cyphalnode_bus_transfers_sent_total"])
	assert.True(t, names["cyphalnode_errors_total"])
	assert.True(t, names["go_goroutines"])
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})

	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("svc", "test_gauge", gauge))
	counter.Inc()
	gauge.Set(3)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_counter"])
	assert.True(t, names["test_gauge"])

	assert.True(t, registry.Unregister("svc", "test_counter"))
	assert.False(t, registry.Unregister("svc", "test_counter"))
	assert.Equal(t, 1, registry.UnregisterService("svc"))
	assert.Equal(t, 0, registry.UnregisterService("svc"))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "test"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "test"})

	require.NoError(t, registry.RegisterCounter("svc", "dup", c1))

	err := registry.RegisterCounter("svc", "dup", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same Prometheus name under another key is still a conflict.
	err = registry.RegisterCounter("other", "dup", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCoreMetrics_Recorders(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordNodeState(42, 1, 0, 17)
	m.RecordRecovery("timeout", true)
	m.RecordRecovery("timeout", false)
	m.RecordStabilityState(2)
	m.RecordHealthStatus("transport", true)
	m.RecordNATSStatus(true)

	assert.Equal(t, 42.0, testutil.ToFloat64(m.NodeID))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.NodeUptime))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryAttempts.WithLabelValues("timeout", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryAttempts.WithLabelValues("timeout", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StabilityState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComponentHealth.WithLabelValues("transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
}

func TestHandler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().HeartbeatsSent.Inc()

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cyphalnode_heartbeat_sent_total 1"))

	rec = httptest.NewRecorder()
	Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
