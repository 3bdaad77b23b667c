// Package adminhttp exposes a small operational HTTP surface alongside the
// TCP relay: liveness/readiness probes and a snapshot of registry/transfer
// counts, wired the way the teacher wires its own chi router.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/relaycore/internal/middleware"
	"github.com/ashureev/relaycore/internal/registry"
	"github.com/ashureev/relaycore/internal/transfer"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Server is the admin-facing HTTP server, separate from the chat relay's
// raw TCP listener.
type Server struct {
	httpSrv *http.Server
}

// New builds the admin HTTP server bound to addr (":8080" style). reg and
// coord back the /status endpoint; neither is required to be non-nil for
// /healthz and /readyz to function.
func New(addr string, reg *registry.Registry, coord *transfer.Coordinator) *Server {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/readyz", readyHandler)
	r.Get("/status", statusHandler(reg, coord))

	return &Server{
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server stops or errors. Mirrors
// http.Server's own contract: it always returns a non-nil error, including
// http.ErrServerClosed on a clean Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type statusResponse struct {
	OnlineUsers     int `json:"online_users"`
	ActiveTransfers int `json:"active_transfers"`
}

func statusHandler(reg *registry.Registry, coord *transfer.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := statusResponse{}
		if reg != nil {
			resp.OnlineUsers = len(reg.SnapshotUsernames())
		}
		if coord != nil {
			resp.ActiveTransfers = coord.ActiveCount()
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
