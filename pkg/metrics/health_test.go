package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetChecker() {
	checker = newHealthChecker()
}

func TestRegisterComponent(t *testing.T) {
	resetChecker()

	RegisterComponent("test-component", true, "running")

	require.Len(t, checker.components, 1)
	comp := checker.components["test-component"]
	assert.True(t, comp.healthy)
	assert.Equal(t, "running", comp.message)
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetChecker()
	checker.version = "1.0.0"

	RegisterComponent("eventloop", true, "")
	RegisterComponent("reexec", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	resetChecker()

	RegisterComponent("eventloop", true, "")
	RegisterComponent("reexec", false, "not connected")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: not connected", health.Components["reexec"])
}

func TestGetReadiness_AllReady(t *testing.T) {
	resetChecker()

	RegisterComponent("reexec", true, "")
	RegisterComponent("storage", true, "")
	RegisterComponent("eventloop", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
}

func TestGetReadiness_MissingCriticalComponent(t *testing.T) {
	resetChecker()

	RegisterComponent("eventloop", true, "")
	// storage and reexec never registered

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message)
	assert.Equal(t, "not registered", readiness.Components["storage"])
}

func TestGetReadiness_CriticalComponentUnhealthy(t *testing.T) {
	resetChecker()

	RegisterComponent("reexec", false, "leader not elected")
	RegisterComponent("storage", true, "")
	RegisterComponent("eventloop", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: leader not elected", readiness.Components["reexec"])
}

func TestHealthHandler(t *testing.T) {
	resetChecker()
	checker.version = "test"

	RegisterComponent("test", true, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetChecker()

	RegisterComponent("test", false, "broken")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "unhealthy", health.Status)
}

func TestReadyHandler(t *testing.T) {
	resetChecker()

	RegisterComponent("reexec", true, "")
	RegisterComponent("storage", true, "")
	RegisterComponent("eventloop", true, "")

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "ready", readiness.Status)
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetChecker()

	RegisterComponent("eventloop", true, "")
	// storage and reexec never registered

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "not_ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetChecker()

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}

func TestUpdateComponent(t *testing.T) {
	resetChecker()

	RegisterComponent("test", true, "ok")
	UpdateComponent("test", false, "error")

	comp := checker.components["test"]
	assert.False(t, comp.healthy)
	assert.Equal(t, "error", comp.message)
}

func TestRegisterComponentSetsGauge(t *testing.T) {
	resetChecker()

	RegisterComponent("gauge-test", true, "")
	assert.Equal(t, float64(1), testutilGaugeValue(t, "gauge-test"))

	RegisterComponent("gauge-test", false, "down")
	assert.Equal(t, float64(0), testutilGaugeValue(t, "gauge-test"))
}

func testutilGaugeValue(t *testing.T, component string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, ComponentHealthy.WithLabelValues(component).Write(m))
	return m.Gauge.GetValue()
}
