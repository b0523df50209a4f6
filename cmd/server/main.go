// Package main provides the API server entry point for the campaign indexer.
// Unless INDEXER_ENABLED is false the scheduler runs in the same process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campaign-indexer/internal/api"
	"github.com/campaign-indexer/internal/app"
	"github.com/campaign-indexer/internal/config"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/worker"
)

func main() {
	fmt.Println("Campaign Indexer API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	components, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer components.Close()

	var scheduler *worker.Scheduler
	var fatal <-chan error
	if cfg.Indexer.Enabled {
		scheduler, err = components.NewScheduler()
		if err != nil {
			logger.WithError(err).Fatal("Failed to create scheduler")
		}
		if err := scheduler.Start(context.Background()); err != nil {
			logger.WithError(err).Fatal("Failed to start scheduler")
		}
		fatal = scheduler.Fatal()
	}

	campaignService, err := components.NewCampaignService()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create campaign service")
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimit:       cfg.Server.RateLimit,
		FactoryAddress:  cfg.Chain.FactoryAddress,
	}
	server := api.NewServer(
		serverConfig,
		campaignService,
		components.NewStatusReporter(scheduler),
		components.Store,
		components.Metrics,
		logger,
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"indexer": cfg.Indexer.Enabled,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
		exitCode = 1
	case err := <-fatal:
		logger.WithError(err).Error("Indexer stopped on a fatal error")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if scheduler != nil && scheduler.IsRunning() {
		if err := scheduler.Stop(ctx); err != nil {
			logger.WithError(err).Error("Scheduler did not stop cleanly")
		}
	}

	logger.Info("Server exited")
	if exitCode != 0 {
		components.Close()
		os.Exit(exitCode)
	}
}
