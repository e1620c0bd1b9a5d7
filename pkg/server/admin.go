package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthResponse is spec §6's GET /health body: {status, servers, version}.
type healthResponse struct {
	Status  string              `json:"status"`
	Servers []healthServerEntry `json:"servers"`
	Version string              `json:"version"`
}

type healthServerEntry struct {
	ID         string `json:"id"`
	Admissible bool   `json:"admissible"`
}

// healthRouter serves GET /health: 200 if at least one backend is
// admissible, 503 otherwise (spec §6).
func (s *Server) healthRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gen := s.reg.Current()

	resp := healthResponse{Status: "unhealthy", Version: s.cfg.Version}
	admissibleCount := 0
	if gen != nil {
		for _, b := range gen.Backends() {
			ok := s.reg.Admissible(b.ID)
			if ok {
				admissibleCount++
			}
			resp.Servers = append(resp.Servers, healthServerEntry{ID: string(b.ID), Admissible: ok})
		}
	}

	status := http.StatusServiceUnavailable
	if admissibleCount > 0 {
		resp.Status = "healthy"
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// adminStatus is one backend's /api/v1/admin/health entry — the
// SPEC_FULL.md supplemented per-backend detail beyond /health's boolean
// (circuit state, failure count, last probe outcome).
type adminStatus struct {
	ID           string `json:"id"`
	Enabled      bool   `json:"enabled"`
	CircuitState string `json:"circuit_state"`
	FailureCount int    `json:"failure_count"`
	Healthy      bool   `json:"healthy"`
	LastProbe    string `json:"last_probe,omitempty"`
	InFlight     int64  `json:"in_flight"`
}

// adminRouter mounts /api/v1/admin/metrics and /api/v1/admin/health.
func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", s.handleAdminMetrics)
	r.Get("/health", s.handleAdminHealth)
	return r
}

func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.reg.Snapshot()
	out := make([]adminStatus, 0, len(snapshot))
	for _, st := range snapshot {
		entry := adminStatus{
			ID:           string(st.ID),
			Enabled:      st.Enabled,
			CircuitState: st.CircuitState,
			FailureCount: st.FailureCount,
			Healthy:      st.Healthy,
			InFlight:     st.InFlight,
		}
		if !st.LastProbe.IsZero() {
			entry.LastProbe = st.LastProbe.Format(timeFormat)
		}
		out = append(out, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"
