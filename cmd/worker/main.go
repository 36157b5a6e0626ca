// Package main is the entry point for the contactsync background worker:
// scheduled syncs, directory-driven reconciliation and outbox delivery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"contactsync/internal/app"
	"contactsync/internal/config"
	"contactsync/internal/domain/directory"
	"contactsync/internal/domain/source"
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

	log.Info("starting contactsync worker")

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize application", "error", err)
	}
	defer a.Close()

	var schedules []schedule
	for _, s := range cfg.Sources.Enabled() {
		if s.Interval.Duration > 0 {
			schedules = append(schedules, schedule{source: source.Type(s.Type), every: s.Interval.Duration})
		}
	}

	w := NewWorker(WorkerConfig{
		Schedules:         schedules,
		ReconcileInterval: cfg.ReconcileInterval,
		OutboxInterval:    cfg.OutboxInterval,
		OutboxRetention:   cfg.OutboxRetention,
		AbandonedAfter:    cfg.AbandonedAfter,
	}, a.Orchestrator, a.Reconciler, log)
	if a.Relay != nil {
		w.relay = a.Relay
	} else {
		log.Warn("KAFKA_BROKERS not set: outbox events stay pending")
	}
	w.stats = a.Pool

	a.Watcher.OnChange(func(v directory.Version) {
		log.Infow("directory changed", "entries", v.Entries, "updated_at", v.UpdatedAt)
		w.RequestReconcile()
	})
	if err := a.Watcher.Start(ctx); err != nil {
		log.Fatalw("failed to start directory watcher", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}
