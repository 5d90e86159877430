// Package metrics serves the Prometheus scrape endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autotrader/internal/core"
)

// Server exposes /metrics for the OTel Prometheus exporter registry.
type Server struct {
	port   int
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("metrics server listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err.Error())
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}
