// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the admin server.
// Checkers report the hub connection and the presence engine's sweep loop.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/log"
)

// Status is the outcome of a check or of a whole probe.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one checker's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the body of /healthz and /readyz.
type Report struct {
	Status    Status                 `json:"status"`
	Ready     *bool                  `json:"ready,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type registered struct {
	checker  Checker
	liveness bool
}

// Manager runs the registered checkers for the two probes. Liveness checkers
// gate both probes; readiness checkers gate only /readyz, so a lost hub
// connection never gets the process restarted.
type Manager struct {
	version  string
	checkers []registered
	now      func() time.Time
}

func NewManager(version string) *Manager {
	return &Manager{version: version, now: time.Now}
}

// RegisterChecker adds a readiness checker.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, registered{checker: c})
}

// RegisterLivenessChecker adds a checker whose failure means the process is wedged.
func (m *Manager) RegisterLivenessChecker(c Checker) {
	m.checkers = append(m.checkers, registered{checker: c, liveness: true})
}

// Health is the liveness probe. Readiness-only results are listed when
// verbose but do not affect the status.
func (m *Manager) Health(ctx context.Context, verbose bool) Report {
	resp := Report{Status: StatusHealthy, Version: m.version, Timestamp: m.now()}
	checks := make(map[string]CheckResult, len(m.checkers))
	var gating []Status
	for _, r := range m.checkers {
		if !r.liveness && !verbose {
			continue
		}
		result := r.checker.Check(ctx)
		checks[r.checker.Name()] = result
		if r.liveness {
			gating = append(gating, result.Status)
		}
	}
	resp.Status = worst(gating)
	if verbose && len(checks) > 0 {
		resp.Checks = checks
	}
	return resp
}

// Ready is the readiness probe. Degraded still counts as ready.
func (m *Manager) Ready(ctx context.Context) Report {
	resp := Report{Version: m.version, Timestamp: m.now()}
	statuses := make([]Status, 0, len(m.checkers))
	if len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult, len(m.checkers))
	}
	for _, r := range m.checkers {
		result := r.checker.Check(ctx)
		resp.Checks[r.checker.Name()] = result
		statuses = append(statuses, result.Status)
	}
	resp.Status = worst(statuses)
	ready := resp.Status != StatusUnhealthy
	resp.Ready = &ready
	return resp
}

func worst(statuses []Status) Status {
	out := StatusHealthy
	for _, s := range statuses {
		switch s {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			out = StatusDegraded
		}
	}
	return out
}

// ServeHealth answers 503 only when a liveness checker is unhealthy.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	resp := m.Health(r.Context(), verbose)
	m.write(w, r, "health", resp, resp.Status != StatusUnhealthy)
}

func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := m.Ready(r.Context())
	m.write(w, r, "readiness", resp, *resp.Ready)
}

func (m *Manager) write(w http.ResponseWriter, r *http.Request, probe string, resp Report, ok bool) {
	logger := log.WithComponentFromContext(r.Context(), probe)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, probe+".encode_error").Msg("failed to encode probe response")
		return
	}
	logger.Debug().
		Str(log.FieldEvent, probe+".checked").
		Str("status", string(resp.Status)).
		Msg("probe served")
}

// HubChecker reports the hub connection. Only Ready is healthy.
type HubChecker struct {
	state func() hass.State
}

// NewHubChecker creates a checker reading the connection state from state.
func NewHubChecker(state func() hass.State) *HubChecker {
	return &HubChecker{state: state}
}

func (c *HubChecker) Name() string {
	return "hub"
}

func (c *HubChecker) Check(ctx context.Context) CheckResult {
	state := c.state()
	switch state {
	case hass.StateReady:
		return CheckResult{Status: StatusHealthy, Message: "connected"}
	case hass.StateClosed:
		return CheckResult{Status: StatusUnhealthy, Message: state.String(), Error: "client closed"}
	default:
		return CheckResult{Status: StatusUnhealthy, Message: state.String()}
	}
}

// SweepChecker checks that the presence engine is still sweeping.
type SweepChecker struct {
	lastSweep func() time.Time
	maxAge    time.Duration
	now       func() time.Time
}

// NewSweepChecker creates a checker that fails once the last sweep is older than maxAge.
func NewSweepChecker(lastSweep func() time.Time, maxAge time.Duration) *SweepChecker {
	return &SweepChecker{lastSweep: lastSweep, maxAge: maxAge, now: time.Now}
}

func (c *SweepChecker) Name() string {
	return "presence_engine"
}

func (c *SweepChecker) Check(ctx context.Context) CheckResult {
	last := c.lastSweep()
	if last.IsZero() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "engine not started",
		}
	}

	age := c.now().Sub(last)
	if age > c.maxAge {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "sweep overdue",
			Message: fmt.Sprintf("last sweep %s ago", age.Truncate(time.Millisecond)),
		}
	}
	if age > c.maxAge/2 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("last sweep %s ago", age.Truncate(time.Millisecond)),
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: "sweeping",
	}
}
