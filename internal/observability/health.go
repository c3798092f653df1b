package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker tracks liveness and readiness of the indexer.
// Ready means storage is reachable and at least one poll cycle has finished.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu        sync.Mutex
	lastCycle time.Time
	lastErr   string
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// RecordCycle stores the outcome of the latest poll cycle.
func (h *HealthChecker) RecordCycle(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCycle = time.Now()
	h.lastErr = ""
	if err != nil {
		h.lastErr = err.Error()
	}
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 once ready, 503 otherwise. The last cycle
// outcome is reported either way.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	body := map[string]interface{}{"status": "not_ready"}
	if !h.lastCycle.IsZero() {
		body["last_cycle_at"] = h.lastCycle.UTC().Format(time.RFC3339Nano)
	}
	if h.lastErr != "" {
		body["last_cycle_error"] = h.lastErr
	}
	h.mu.Unlock()

	status := http.StatusServiceUnavailable
	if h.ready.Load() {
		status = http.StatusOK
		body["status"] = "ready"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
