package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kbai/kbai-go/internal/logging"
)

// probeTimeout bounds each dependency probe so /api/ready stays responsive
// when a dependency hangs instead of refusing.
const probeTimeout = 5 * time.Second

// Pinger is implemented by dependencies that can report their own
// reachability: the store, the embedding backend, the chat model.
// Implementations must be safe for concurrent use.
type Pinger interface {
	// Ping returns nil when the dependency is reachable.
	Ping(ctx context.Context) error
	// Name is the short label used in readiness responses.
	Name() string
}

type readyCheck struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type readyResponse struct {
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// handleHealth handles GET /api/health. Liveness only; it says nothing about
// dependency state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /api/ready. All registered dependencies are probed
// concurrently, each under its own timeout; any failure yields a 503 with the
// per-dependency breakdown.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	checks := probeAll(r.Context(), s.pingers)

	ready := true
	for _, c := range checks {
		if !c.OK {
			ready = false
			log.Warn("readiness probe failed",
				slog.String("dependency", c.Name),
				slog.String("error", c.Error))
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResponse{Ready: ready, Checks: checks})
}

// probeAll runs every probe in parallel and returns results in registration
// order.
func probeAll(ctx context.Context, pingers []Pinger) []readyCheck {
	checks := make([]readyCheck, len(pingers))
	done := make(chan struct{}, len(pingers))

	for i, p := range pingers {
		go func(i int, p Pinger) {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			err := p.Ping(probeCtx)
			checks[i] = readyCheck{Name: p.Name(), OK: err == nil}
			if err != nil {
				checks[i].Error = err.Error()
			}
			done <- struct{}{}
		}(i, p)
	}
	for range pingers {
		<-done
	}
	return checks
}
