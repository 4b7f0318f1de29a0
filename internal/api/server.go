// Package api exposes the HTTP surface: health, status, download control and
// Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/api/handlers"
	"github.com/amaumene/fetcharr/internal/api/middleware"
	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/controllers"
	"github.com/amaumene/fetcharr/internal/models"
)

// Server represents the HTTP server
type Server struct {
	server        *http.Server
	db            *models.Database
	downloadCtrl  *controllers.DownloadController
	reconcileCtrl *controllers.ReconcileController
	registry      *prometheus.Registry
	logger        *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(
	cfg *config.Config,
	db *models.Database,
	downloadCtrl *controllers.DownloadController,
	reconcileCtrl *controllers.ReconcileController,
	promRegistry *prometheus.Registry,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		db:            db,
		downloadCtrl:  downloadCtrl,
		reconcileCtrl: reconcileCtrl,
		registry:      promRegistry,
		logger:        logger,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      middleware.Logging(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check
	healthHandler := handlers.NewHealthHandler(s.db, s.logger)
	mux.HandleFunc("/health", healthHandler.ServeHTTP)

	// Status endpoint
	statusHandler := handlers.NewStatusHandler(s.db, s.reconcileCtrl, s.logger)
	mux.HandleFunc("/status", statusHandler.ServeHTTP)

	// Download control
	downloadsHandler := handlers.NewDownloadsHandler(s.downloadCtrl, s.logger)
	mux.HandleFunc("/api/downloads", downloadsHandler.ServeHTTP)
	mux.HandleFunc("/api/downloads/", downloadsHandler.ServeItem)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("port", s.server.Addr).Info("Starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
