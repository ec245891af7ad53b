// Package status exposes read-only observability endpoints for the
// aggregation server.
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
	"github.com/mcpmux/mcpmux/pkg/mux/registry"
)

// BackendSource reports backend state. Satisfied by the registry.
type BackendSource interface {
	Status() []registry.BackendStatus
}

// SessionSource reports live session count. Satisfied by the session
// manager.
type SessionSource interface {
	Count() int
}

// Reporter builds point-in-time status snapshots.
type Reporter struct {
	name     string
	version  string
	backends BackendSource
	sessions SessionSource
	started  time.Time
}

// NewReporter creates a reporter for the named server instance.
func NewReporter(name, version string, backends BackendSource, sessions SessionSource) *Reporter {
	return &Reporter{
		name:     name,
		version:  version,
		backends: backends,
		sessions: sessions,
		started:  time.Now(),
	}
}

// Snapshot is the full status document served at /statusz.
type Snapshot struct {
	Name          string                   `json:"name"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Sessions      int                      `json:"sessions"`
	Backends      []registry.BackendStatus `json:"backends"`
}

// Snapshot assembles the current status document.
func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		Name:          r.name,
		Version:       r.version,
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Sessions:      r.sessions.Count(),
		Backends:      r.backends.Status(),
	}
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status   string `json:"status"`
	Ready    int    `json:"backends_ready"`
	Total    int    `json:"backends_total"`
	Degraded int    `json:"backends_degraded"`
}

// HealthzHandler reports process liveness. The process is healthy as
// long as it can serve; backend trouble shows in the counts but never
// flips the status code, so partial degradation does not get the whole
// proxy restarted by an orchestrator.
func (r *Reporter) HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		for _, b := range r.backends.Status() {
			if !b.Enabled {
				continue
			}
			resp.Total++
			switch b.State {
			case mux.StateReady:
				resp.Ready++
			case mux.StateDegraded, mux.StateFailed:
				resp.Degraded++
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// StatuszHandler serves the full status snapshot.
func (r *Reporter) StatuszHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.Snapshot())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("failed to encode status response", "error", err)
	}
}
