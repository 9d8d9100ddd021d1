// Package server exposes the gateway over HTTP with an OpenAI-compatible
// API surface.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verbalex/aigateway/internal/gateway"
	"github.com/verbalex/aigateway/internal/usage"
)

// Server wires the failover manager and usage ledger into an HTTP API.
type Server struct {
	manager *gateway.Manager
	ledger  *usage.Ledger
	router  *chi.Mux
}

// New builds a Server with its routes registered.
func New(manager *gateway.Manager, ledger *usage.Ledger) *Server {
	s := &Server{
		manager: manager,
		ledger:  ledger,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/v1/chat/completions", s.handleChatCompletions)
	s.router.Get("/v1/usage", s.handleUsage)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the root http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the API on the given port.
func (s *Server) ListenAndServe(port int, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// WriteTimeout would cut off long-lived SSE streams, so it only
		// applies when explicitly configured.
		WriteTimeout: writeTimeout,
	}
	return srv.ListenAndServe()
}
