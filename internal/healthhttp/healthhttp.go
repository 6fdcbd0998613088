// Package healthhttp exposes the worker's /healthz and /metrics surface,
// following the teacher's minimal net/http.ServeMux + writeJSON handler
// style (cmd/sandbox/handler.go's handleHealth) rather than pulling in a
// routing framework for two endpoints.
package healthhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Status reports the worker's current load for /healthz and /metrics.
type Status struct {
	WorkerID      string
	InFlight      func() int
	MaxConcurrent int
}

// Server is the worker's health/metrics HTTP surface.
type Server struct {
	srv     *http.Server
	healthy atomic.Bool
}

// New builds a Server listening on addr. The server reports unhealthy
// until MarkReady is called, so a worker that fails its pre-flight checks
// never shows ready to an external prober.
func New(addr string, status Status) *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.healthy.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ready",
			"worker_id": status.WorkerID,
			"in_flight": status.InFlight(),
			"capacity":  status.MaxConcurrent,
		})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"worker_id":      status.WorkerID,
			"in_flight":      status.InFlight(),
			"max_concurrent": status.MaxConcurrent,
		})
	})
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// MarkReady flips the server into the healthy state. Call once pre-flight
// checks (disk space, stale-job reconciliation) have passed.
func (s *Server) MarkReady() { s.healthy.Store(true) }

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
