package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/amaumene/fetcharr/internal/api"
	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/controllers"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/downloader/nzbget"
	"github.com/amaumene/fetcharr/internal/downloader/qbittorrent"
	"github.com/amaumene/fetcharr/internal/downloader/sabnzbd"
	"github.com/amaumene/fetcharr/internal/downloader/torbox"
	"github.com/amaumene/fetcharr/internal/downloader/transmission"
	"github.com/amaumene/fetcharr/internal/events"
	"github.com/amaumene/fetcharr/internal/fetch"
	"github.com/amaumene/fetcharr/internal/importer"
	"github.com/amaumene/fetcharr/internal/metrics"
	"github.com/amaumene/fetcharr/internal/models"
	"github.com/amaumene/fetcharr/internal/scheduler"
	"github.com/amaumene/fetcharr/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Setup logger
	logger := utils.NewLogger(cfg.LogLevel)
	logger.Info("Starting Fetcharr")
	logger.WithField("config_dir", filepath.Dir(cfg.DatabaseFile)).Info("Configuration loaded")

	// 3. Initialize database
	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	logger.Info("Database initialized")

	// 4. Register backend adapters
	registry := downloader.NewRegistry(logger)
	registry.Register(models.BackendQBittorrent, qbittorrent.New)
	registry.Register(models.BackendTransmission, transmission.New)
	registry.Register(models.BackendSABnzbd, sabnzbd.New)
	registry.Register(models.BackendNZBGet, nzbget.New)
	registry.Register(models.BackendTorBox, torbox.New)
	logger.WithField("backends", len(cfg.EnabledBackends())).Info("Backend registry initialized")

	// 5. Verify backend connectivity. A dead backend is reported but never
	// blocks startup; reconciliation tolerates its absence.
	testCtx, testCancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, backendCfg := range cfg.EnabledBackends() {
		adapter, err := registry.Adapter(backendCfg)
		if err != nil {
			logger.WithError(err).WithField("backend", backendCfg.Name).Error("Failed to build backend adapter")
			continue
		}
		if err := adapter.Test(testCtx); err != nil {
			logger.WithError(err).WithField("backend", backendCfg.Name).Warn("Backend connection test failed")
		} else {
			logger.WithField("backend", backendCfg.Name).Info("Backend connection verified")
		}
	}
	testCancel()

	// 6. Initialize metrics and events
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promRegistry)

	var emitter events.Emitter = events.NewLogEmitter(logger)
	if cfg.EventWebhookURL != "" {
		emitter = events.NewMultiEmitter(emitter, events.NewWebhookEmitter(cfg.EventWebhookURL, logger))
	}

	// 7. Initialize controllers
	resolver := fetch.NewResolver(logger)
	imp := importer.NewService(db, emitter, logger)
	untracked := controllers.NewUntrackedMatcher(db, emitter, m, logger)
	downloadCtrl := controllers.NewDownloadController(cfg, db, registry, resolver, emitter, m, logger)
	reconcileCtrl := controllers.NewReconcileController(cfg, db, registry, imp, untracked, emitter, m, logger)
	logger.Info("Controllers initialized")

	// 8. Initialize scheduler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler(reconcileCtrl, cfg.ReconcileIntervalMinutes, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// 9. Initialize HTTP server
	server := api.NewServer(cfg, db, downloadCtrl, reconcileCtrl, promRegistry, logger)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErrChan <- err
		}
	}()

	// 10. Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Fetcharr is running")

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Error("Error during server shutdown")
		}
	}

	logger.Info("Fetcharr stopped")
	return nil
}
