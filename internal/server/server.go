// Package server hosts the HTTP surface: the WebSocket endpoint, the
// Prometheus scrape target and the health probe.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/orbitdns/event-fabric/internal/handler/ws"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	logger *slog.Logger
	http   *http.Server
}

func New(logger *slog.Logger, addr string, wsHandler *ws.Handler, m *metrics.Metrics) *Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		logger: logger,
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving in the background and returns immediately.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "err", err)
		}
	}()
}

// Stop shuts the listener down; live WebSocket sessions are drained by
// the hub before this is called.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
