package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker tracks liveness, readiness, and per-dependency state.
// /healthz reports liveness, /readyz reports readiness. Readiness flips on
// only after recovery replay, Postgres, and NATS are all up; a dependency
// marked down afterwards takes readiness down with it.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu   sync.Mutex
	down map[string]string
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		down:      make(map[string]string),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// MarkDown records a dependency outage. Readiness reports 503 with the
// failing components until they are marked up again.
func (h *HealthChecker) MarkDown(component, detail string) {
	h.mu.Lock()
	h.down[component] = detail
	h.mu.Unlock()
}

// MarkUp clears a dependency outage.
func (h *HealthChecker) MarkUp(component string) {
	h.mu.Lock()
	delete(h.down, component)
	h.mu.Unlock()
}

// IsReady reports whether the service is ready and no dependency is down.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.down) == 0
}

// Failing returns the components currently marked down, sorted by name.
func (h *HealthChecker) Failing() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.down))
	for name := range h.down {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 with the
// failing components otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "not_ready",
		"failing": h.Failing(),
	})
}
