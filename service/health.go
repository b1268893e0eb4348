package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthReport is the liveness/readiness payload.
type HealthReport struct {
	Status         string        `json:"status"`
	BackendHealthy bool          `json:"backend_healthy"`
	ActiveKeys     int           `json:"active_keys"`
	Uptime         time.Duration `json:"uptime"`
}

// Health probes the backend and summarizes service state. Status is
// "degraded" when the backend is unreachable; with fail-open the service
// still serves, so degraded is not down.
func (s *Service) Health(ctx context.Context) HealthReport {
	healthy := s.backend.Healthy(ctx)
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	st := s.backend.Stats()
	report := HealthReport{
		Status:         status,
		BackendHealthy: healthy,
		ActiveKeys:     st.Keys,
	}
	if !s.started.IsZero() {
		report.Uptime = time.Since(s.started)
	}
	return report
}

// HealthHandler serves the health report as JSON. Degraded reports 503 only
// when the service fails closed; failing open it still serves traffic.
func (s *Service) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := s.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.BackendHealthy && !s.failOpen.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (s *Service) MetricsHandler() http.Handler {
	return s.collector.Handler()
}

// StatsHandler serves the JSON metrics snapshot for dashboards.
func (s *Service) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.collector.Snapshot())
	})
}
