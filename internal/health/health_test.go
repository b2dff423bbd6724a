// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/piresence/internal/hass"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) Report {
	t.Helper()
	var r Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	return r
}

func TestManager_NoCheckers(t *testing.T) {
	m := NewManager("v1.2.3")

	h := m.Health(context.Background(), true)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "v1.2.3", h.Version)
	assert.Nil(t, h.Checks)

	r := m.Ready(context.Background())
	require.NotNil(t, r.Ready)
	assert.True(t, *r.Ready)
	assert.Equal(t, StatusHealthy, r.Status)
}

func TestManager_LivenessIgnoresReadinessCheckers(t *testing.T) {
	m := NewManager("v1")
	m.RegisterChecker(&mockChecker{name: "hub", status: StatusUnhealthy})
	m.RegisterLivenessChecker(&mockChecker{name: "engine", status: StatusDegraded})

	h := m.Health(context.Background(), false)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Nil(t, h.Checks, "checks only listed when verbose")

	h = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, h.Status, "hub result listed but not gating")
	assert.Equal(t, StatusUnhealthy, h.Checks["hub"].Status)
	assert.Equal(t, StatusDegraded, h.Checks["engine"].Status)

	r := m.Ready(context.Background())
	assert.False(t, *r.Ready)
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Len(t, r.Checks, 2)
}

func TestManager_ReadyWhenDegraded(t *testing.T) {
	m := NewManager("v1")
	m.RegisterChecker(&mockChecker{name: "a", status: StatusHealthy})
	m.RegisterLivenessChecker(&mockChecker{name: "b", status: StatusDegraded})

	r := m.Ready(context.Background())
	assert.True(t, *r.Ready)
	assert.Equal(t, StatusDegraded, r.Status)
}

func TestManager_ServeHealth(t *testing.T) {
	engine := &mockChecker{name: "presence_engine", status: StatusHealthy}
	m := NewManager("v1")
	m.RegisterLivenessChecker(engine)

	w := httptest.NewRecorder()
	m.ServeHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	resp := decode(t, w)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Ready)

	engine.status = StatusUnhealthy
	engine.err = "sweep overdue"
	w = httptest.NewRecorder()
	m.ServeHealth(w, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp = decode(t, w)
	assert.Equal(t, "sweep overdue", resp.Checks["presence_engine"].Error)
}

func TestManager_ServeReady(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		wantCode  int
		wantReady bool
	}{
		{"healthy", StatusHealthy, http.StatusOK, true},
		{"degraded", StatusDegraded, http.StatusOK, true},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1")
			m.RegisterChecker(&mockChecker{name: "hub", status: tt.status})

			w := httptest.NewRecorder()
			m.ServeReady(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.wantCode, w.Code)
			resp := decode(t, w)
			require.NotNil(t, resp.Ready)
			assert.Equal(t, tt.wantReady, *resp.Ready)
		})
	}
}

func TestManager_EncodingError(t *testing.T) {
	m := NewManager("v1")
	w := &brokenWriter{header: make(http.Header)}
	assert.NotPanics(t, func() {
		m.ServeHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		m.ServeReady(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	})
}

func TestHubChecker(t *testing.T) {
	tests := []struct {
		state  hass.State
		status Status
	}{
		{hass.StateReady, StatusHealthy},
		{hass.StateConnecting, StatusUnhealthy},
		{hass.StateAuthPending, StatusUnhealthy},
		{hass.StateDisconnected, StatusUnhealthy},
		{hass.StateClosed, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			checker := NewHubChecker(func() hass.State { return tt.state })
			assert.Equal(t, "hub", checker.Name())
			result := checker.Check(context.Background())
			assert.Equal(t, tt.status, result.Status)
		})
	}
}

func TestSweepChecker(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		lastSweep   time.Time
		status      Status
		expectedMsg string
	}{
		{name: "never", lastSweep: time.Time{}, status: StatusUnhealthy, expectedMsg: "not started"},
		{name: "fresh", lastSweep: now.Add(-time.Second), status: StatusHealthy, expectedMsg: "sweeping"},
		{name: "late", lastSweep: now.Add(-7 * time.Second), status: StatusDegraded, expectedMsg: "7s ago"},
		{name: "stalled", lastSweep: now.Add(-time.Minute), status: StatusUnhealthy, expectedMsg: "1m0s ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewSweepChecker(func() time.Time { return tt.lastSweep }, 10*time.Second)
			checker.now = func() time.Time { return now }
			assert.Equal(t, "presence_engine", checker.Name())

			result := checker.Check(context.Background())
			assert.Equal(t, tt.status, result.Status)
			assert.Contains(t, result.Message, tt.expectedMsg)
		})
	}
}

func TestManager_ServeReady_HubDown(t *testing.T) {
	state := hass.StateConnecting
	m := NewManager("v1.0.0")
	m.RegisterChecker(NewHubChecker(func() hass.State { return state }))

	w := httptest.NewRecorder()
	m.ServeReady(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	state = hass.StateReady
	w = httptest.NewRecorder()
	m.ServeReady(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	state = hass.StateDisconnected
	m.ServeHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code, "liveness ignores the hub")
}

// Mock checker for testing
type mockChecker struct {
	name    string
	status  Status
	message string
	err     string
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: m.message,
		Error:   m.err,
	}
}

// brokenWriter is a mock ResponseWriter that always fails to write
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, assert.AnError // Always fail
}

func (w *brokenWriter) WriteHeader(statusCode int) {
	// No-op
}
