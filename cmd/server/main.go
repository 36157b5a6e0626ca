// Package main is the entry point for the contactsync ops API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contactsync/internal/app"
	"contactsync/internal/config"
	"contactsync/internal/domain/auth"
	v1 "contactsync/internal/infrastructure/http/v1"
	"contactsync/internal/infrastructure/http/v1/handlers"
	"contactsync/internal/infrastructure/http/v1/middleware"
	"contactsync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting contactsync server")

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize application", "error", err)
	}
	defer a.Close()

	// --- JWT ---
	var validator middleware.JWTValidator
	if cfg.AuthDisabled && cfg.IsDevelopment() {
		log.Warn("authentication disabled: every request runs as the development operator")
	} else {
		validator = auth.NewJWTService(auth.DefaultJWTConfig(cfg.JWTSecret))
	}

	// --- Handlers ---
	base := handlers.NewBaseHandler(cfg.Sources.Orchestrator().DefaultRegion)
	runs := handlers.NewRunsHandler(base, a.Orchestrator, a.Ledger, ctx, log)

	checks := map[string]handlers.Pinger{"database": a.Tx}
	if a.Redis != nil {
		checks["redis"] = app.RedisPinger{Client: a.Redis}
	}

	router := v1.NewRouter(v1.RouterConfig{
		Logger:       log,
		JWTValidator: validator,
		Runs:         runs,
		Resolutions:  handlers.NewResolutionHandler(base, a.Resolver, a.Reconciler),
		Records:      handlers.NewRecordsHandler(base, a.Records),
		Health:       handlers.NewHealthHandler(checks),
		Gatherer:     a.Registry,
		HTTPRequests: a.Metrics.HTTPRequests,
		HTTPDuration: a.Metrics.HTTPDuration,
		HTTPPanics:   a.Metrics.HTTPPanics,
	})

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "addr", cfg.HTTPAddr, "sources", a.Orchestrator.Sources())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	// triggered runs observe cancellation and seal themselves as failed
	cancel()
	runs.Wait()

	log.Info("server stopped")
}
