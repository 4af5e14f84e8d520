// Package rqhttp exposes the small HTTP surface that sits alongside the
// binary façade socket: a Prometheus /metrics endpoint and a /healthz
// liveness probe. Grounded on internal/api.APIServer's gorilla/mux wiring,
// trimmed to the two routes this process actually needs.
package rqhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the metrics/health HTTP listener. It is independent of the
// façade's TCP socket and can be disabled entirely via Config.Metrics.Enabled.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *slog.Logger
}

// HealthFunc reports whether the process is ready to serve; /healthz
// answers 503 when it returns an error and 200 otherwise.
type HealthFunc func() error

// New builds a Server bound to addr (e.g. ":9090"). health is consulted on
// every /healthz request.
func New(addr string, health HealthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		router: r,
		logger: logger,
	}
}

// Handle registers an additional route on the same router as /metrics and
// /healthz; callers must register before Start. Used to mount the optional
// websocket dashboard onto this same listener rather than opening a third
// port.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// Start begins serving in the background. Errors other than a clean
// shutdown are logged, not returned, since this endpoint is auxiliary to
// the façade socket and must never block process startup on a bind race.
func (s *Server) Start() {
	go func() {
		s.logger.Info("rqhttp: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("rqhttp: listen failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
