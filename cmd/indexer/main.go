// Package main provides the standalone indexer entry point. It runs the
// backfill and poll scheduler and serves only metrics and indexer health.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/campaign-indexer/internal/app"
	"github.com/campaign-indexer/internal/config"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/worker"
)

func main() {
	fmt.Println("Campaign Indexer")
	log.Println("Indexer starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	components, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer components.Close()

	scheduler, err := components.NewScheduler()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}
	if err := scheduler.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	reporter := components.NewStatusReporter(scheduler)
	router := mux.NewRouter()
	router.Handle("/metrics", components.Metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health/indexer", statusHandler(reporter)).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         cfg.Indexer.MetricsAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"factory":     cfg.Chain.FactoryAddress,
		"startBlock":  cfg.Chain.StartBlock,
		"metricsAddr": cfg.Indexer.MetricsAddr,
	}).Info("Indexer started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-scheduler.Fatal():
		logger.WithError(err).Error("Indexer stopped on a fatal error")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler.IsRunning() {
		if err := scheduler.Stop(ctx); err != nil {
			logger.WithError(err).Error("Scheduler did not stop cleanly")
		}
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Metrics server forced to shutdown")
	}

	logger.Info("Indexer stopped")
	if exitCode != 0 {
		components.Close()
		os.Exit(exitCode)
	}
}

// statusHandler answers 503 while the indexer is unhealthy
func statusHandler(reporter *worker.StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		status, err := reporter.IndexerStatus(ctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
