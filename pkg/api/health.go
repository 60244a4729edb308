package api

import (
	"net/http"
	"time"

	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/storage"
)

// healthResponse is the liveness response — the process is up, full stop.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// readyResponse is the readiness response — can this process currently
// accept device/admin traffic.
type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// handleHealth implements GET /health: a liveness check that never
// touches storage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

// handleReady implements GET /ready: confirms the store answers a
// cheap read, then folds in the process-wide component registry
// (storage, alert_evaluator, partition_manager, reconciler and api, as
// registered by cmd/nexmdm)
// before admitting traffic to a new process.
func (s *Server) handleReady(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := true

		if _, err := store.CountDevices(); err != nil {
			metrics.RegisterComponent("storage", false, err.Error())
			ready = false
		} else {
			metrics.RegisterComponent("storage", true, "")
		}
		metrics.RegisterComponent("api", true, "")

		readiness := metrics.GetReadiness()
		checks := readiness.Components
		if readiness.Status != "ready" {
			ready = false
		}

		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, readyResponse{Status: status, Timestamp: time.Now().UTC(), Checks: checks})
	}
}
