package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"treescan-service/internal/config"
	"treescan-service/internal/detector"
	httphandler "treescan-service/internal/http"
	"treescan-service/internal/imagery"
	"treescan-service/internal/ledger"
	"treescan-service/internal/logger"
	"treescan-service/internal/service"
	"treescan-service/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment, cfg.LogLevel)

	streetView := imagery.NewClient(cfg.StreetView.BaseURL, cfg.StreetView.APIKey, cfg.StreetView.Timeout)

	treeDetector := detector.NewClient(cfg.Detector.URL, cfg.Detector.Timeout)
	healthCtx, cancelHealth := context.WithTimeout(context.Background(), 5*time.Second)
	if err := treeDetector.CheckHealth(healthCtx); err != nil {
		appLogger.Warn().Err(err).Str("url", cfg.Detector.URL).Msg("detector not reachable at startup")
	}
	cancelHealth()

	inventory := ledger.New(filepath.Join(cfg.Media.Root, "logs", "treeInventory.csv"), appLogger)

	// R2 is optional; dataset captures stay local when it is not configured.
	var uploader service.Uploader
	r2Client, err := storage.NewR2Client(cfg.R2)
	switch {
	case err == nil:
		uploader = r2Client
	case errors.Is(err, storage.ErrNotConfigured):
		appLogger.Warn().Msg("R2 storage not configured, dataset uploads will be disabled")
	default:
		appLogger.Fatal().Err(err).Msg("failed to initialize R2 client")
	}

	scanService := service.NewScanService(
		streetView,
		treeDetector,
		inventory,
		service.SystemClock{},
		cfg.Media.Root,
		cfg.Media.URL,
		appLogger,
	)
	captureService := service.NewCaptureService(streetView, uploader, cfg.Media.DatasetRoot, appLogger)

	handler := httphandler.NewHandler(scanService, captureService, appLogger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Environment: cfg.Environment,
		MediaRoot:   cfg.Media.Root,
		MediaURL:    cfg.Media.URL,
	}, treeDetector, appLogger)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	appLogger.Info().Str("addr", addr).Msg("starting tree scan service")

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error().Err(err).Msg("failed to start server")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error().Err(err).Msg("server forced to shutdown")
	}

	appLogger.Info().Msg("server exited")
}
