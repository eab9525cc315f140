package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

type (
	healthResponse struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptimeSeconds"`
		Error         string `json:"error,omitempty"`
	}
)

// handleHealth reports whether the backing stores are reachable. Returns 200
// when healthy and 503 when a store check fails, matching what orchestrator
// liveness probes expect.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	status := http.StatusOK

	if err := s.events.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else if err := s.users.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// handleStats exposes event counts by status for dashboards and alerting.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	stats, err := s.events.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to load event stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
