// Package server starts the static file server and the optional API server,
// both behind the shared middleware pipeline and the same TLS identity.
//
// This file implements the liveness and readiness endpoints served on the
// optional metrics listener.
package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// Clock is an interface that wraps the time-based methods we need
type Clock interface {
	Now() time.Time
}

// realClock is a Clock that uses the actual system time
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// healthState reports bootstrap progress to probes.
type healthState struct {
	phases  *phaseTracker
	started time.Time
	clock   Clock
}

// newHealthState creates a healthState. If no clock is provided, it uses
// the real system clock.
func newHealthState(phases *phaseTracker, clock Clock) *healthState {
	if clock == nil {
		clock = realClock{}
	}
	return &healthState{
		phases:  phases,
		started: clock.Now(),
		clock:   clock,
	}
}

// isReady returns true once both servers have finished starting.
func (h *healthState) isReady() bool {
	return h.phases.get() == PhaseReady
}

func (h *healthState) uptime() time.Duration {
	return h.clock.Now().Sub(h.started)
}

type healthResponse struct {
	Status        string  `json:"status"`
	Phase         string  `json:"phase"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (h *healthState) write(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        text,
		Phase:         h.phases.get().String(),
		UptimeSeconds: h.uptime().Seconds(),
	})
}

// handleLiveness is the HTTP handler for the /healthz endpoint. The process
// answering at all means it is alive.
func (b *Bootstrap) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b.metrics.updateHealthMetrics(b.health.isReady(), true)
	b.health.write(w, http.StatusOK, "ok")
}

// handleReadiness is the HTTP handler for the /readyz endpoint.
//
// It returns:
// - 200 OK once the bootstrap reached the ready phase
// - 503 Service Unavailable while servers are still starting
func (b *Bootstrap) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	isReady := b.health.isReady()
	b.metrics.updateHealthMetrics(isReady, true)

	if !isReady {
		b.logger.Warn().Str("phase", b.phases.get().String()).Msg("Readiness check failed: servers not ready")
		b.health.write(w, http.StatusServiceUnavailable, "starting")
		return
	}

	b.health.write(w, http.StatusOK, "ready")
}
