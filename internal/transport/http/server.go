// Package http provides the HTTP transport layer for ChatCore.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET /health
//	GET /api/stats
//	GET /api/presence
//	GET /api/chats/{kind}/{id}/messages
//	GET /api/conversations/{id}/unread
//	GET /ws
//	GET /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/revotech/chatcore/internal/config"
	"github.com/revotech/chatcore/internal/delivery"
	"github.com/revotech/chatcore/internal/metrics"
	transportws "github.com/revotech/chatcore/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with ChatCore route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from the delivery engine and the WebSocket router.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(engine *delivery.Engine, router *transportws.Router, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{engine: engine}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Stats and presence (read-only operational API)
	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("GET /api/presence", h.presence)

	// Message history and unread counts
	mux.HandleFunc("GET /api/chats/{kind}/{id}/messages", h.messages)
	mux.HandleFunc("GET /api/conversations/{id}/unread", h.unread)

	// WebSocket sessions
	mux.Handle("GET /ws", router)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
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
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
