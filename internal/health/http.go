package health

import (
	"encoding/json"
	"net/http"
)

// RegisterRoutes mounts the probe endpoints on mux.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", m.handleLiveness)
	mux.HandleFunc("/readyz", m.handleReadiness)
	mux.HandleFunc("/health", m.handleHealth)
}

// handleLiveness always answers ok while the process runs.
func (m *Manager) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Manager) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if m.Health().Ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	http.Error(w, "not ready", http.StatusServiceUnavailable)
}

func (m *Manager) handleHealth(w http.ResponseWriter, _ *http.Request) {
	overall := m.Health()
	status := http.StatusOK
	if overall.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(overall)
}
