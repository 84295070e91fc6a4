package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stripedb/stripedb/internal/model"
)

type fakeEngine struct {
	flushErr error
}

func (f *fakeEngine) LastFlushError() error { return f.flushErr }

func newChecker(t *testing.T, engine FlushErrorSource) *HealthChecker {
	t.Helper()
	return NewHealthChecker(&HealthCheckConfig{DataDir: t.TempDir()}, engine, zap.NewNop())
}

func TestHealthyEngine(t *testing.T) {
	h := newChecker(t, &fakeEngine{})
	h.runHealthChecks()

	assert.True(t, h.IsLive())
	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)

	checks := h.GetChecks()
	for _, name := range []string{"disk_space", "data_dir_accessible", "file_descriptors", "flushes"} {
		result, ok := checks[name]
		require.True(t, ok, "missing check %s", name)
		assert.Equal(t, "healthy", result.Status, "check %s: %s", name, result.Message)
	}
}

func TestFlushFailureDegrades(t *testing.T) {
	engine := &fakeEngine{flushErr: errors.New("disk exploded")}
	h := newChecker(t, engine)
	h.runHealthChecks()

	assert.Equal(t, model.NodeStatusDegraded, h.GetStatus().Status)
	assert.True(t, h.IsReady(), "a warning degrades but does not fail readiness")
	assert.Equal(t, "warning", h.GetChecks()["flushes"].Status)

	engine.flushErr = nil
	h.runHealthChecks()
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)
}

func TestInaccessibleDataDirFailsReadiness(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{DataDir: "/nonexistent/stripedb-data"}, &fakeEngine{}, zap.NewNop())
	h.runHealthChecks()

	assert.False(t, h.IsReady())
	assert.Equal(t, model.NodeStatusUnhealthy, h.GetStatus().Status)
}

func TestSetReadiness(t *testing.T) {
	h := newChecker(t, &fakeEngine{})
	h.runHealthChecks()
	require.True(t, h.IsReady())

	h.SetReadiness(false)
	assert.False(t, h.IsReady())
	assert.True(t, h.IsLive(), "draining for shutdown keeps the process live")
}

func TestProbeHandlers(t *testing.T) {
	h := newChecker(t, &fakeEngine{})
	h.runHealthChecks()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":true`)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetReadiness(false)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)
}
