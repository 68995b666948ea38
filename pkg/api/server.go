// Package api provides the HTTP surface of the shepherd server.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /healthz
//	GET    /metrics
//	GET    /v1/agents/ws
//	POST   /v1/messages
//	GET    /v1/messages
//	GET    /v1/messages/{id}
//	POST   /v1/reboots
//	GET    /v1/reboots
//	GET    /v1/reboots/{id}
//	POST   /v1/hosts
//	GET    /v1/hosts
//	GET    /v1/hosts/{id}
//	POST   /v1/hosts/{id}/approve
//	POST   /v1/hosts/{id}/active
//	DELETE /v1/hosts/{id}
//	GET    /v1/queue-metrics
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/openfleet/shepherd/pkg/manager"
	"github.com/openfleet/shepherd/pkg/metrics"
)

// Server wraps the stdlib HTTP server with shepherd route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server over a Manager. The caller is responsible for
// calling ListenAndServe / Shutdown.
func New(m *manager.Manager) *Server {
	h := &Handler{manager: m}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.health)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("GET /v1/agents/ws", m.WebsocketHandler())

	mux.HandleFunc("POST /v1/messages", h.enqueueMessage)
	mux.HandleFunc("GET /v1/messages", h.listMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.getMessage)

	mux.HandleFunc("POST /v1/reboots", h.startReboot)
	mux.HandleFunc("GET /v1/reboots", h.listReboots)
	mux.HandleFunc("GET /v1/reboots/{id}", h.getReboot)

	mux.HandleFunc("POST /v1/hosts", h.registerHost)
	mux.HandleFunc("GET /v1/hosts", h.listHosts)
	mux.HandleFunc("GET /v1/hosts/{id}", h.getHost)
	mux.HandleFunc("POST /v1/hosts/{id}/approve", h.approveHost)
	mux.HandleFunc("POST /v1/hosts/{id}/active", h.setHostActive)
	mux.HandleFunc("DELETE /v1/hosts/{id}", h.deleteHost)

	mux.HandleFunc("GET /v1/queue-metrics", h.queueMetrics)

	return &Server{
		inner: &http.Server{
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish. Websocket connections are torn down by
// their own pumps when the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
