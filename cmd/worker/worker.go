package main

import (
	"context"
	"sync"
	"time"

	"contactsync/internal/domain/resolution"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	"contactsync/pkg/logger"
)

type syncer interface {
	RunSync(ctx context.Context, st source.Type, mode source.Mode) (*syncrun.Run, error)
	RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, batchSize int) (resolution.ReconcileResult, error)
}

type outboxRelay interface {
	ProcessBatch(ctx context.Context) (int, error)
	MoveToDLQ(ctx context.Context) (int64, error)
	PurgePublished(ctx context.Context, olderThan time.Duration) (int64, error)
}

type poolStats interface {
	LogStats(ctx context.Context)
}

type schedule struct {
	source source.Type
	every  time.Duration
}

// WorkerConfig sets the loop intervals. Zero disables a loop.
type WorkerConfig struct {
	Schedules         []schedule
	ReconcileInterval time.Duration
	OutboxInterval    time.Duration
	OutboxRetention   time.Duration
	AbandonedAfter    time.Duration
	MaintenanceEvery  time.Duration
}

// Worker drives scheduled syncs, reconciliation and outbox delivery.
type Worker struct {
	cfg        WorkerConfig
	syncer     syncer
	reconciler reconciler
	relay      outboxRelay
	stats      poolStats
	log        *logger.Logger

	reconcileReq chan struct{}
}

// NewWorker creates a worker. relay and stats are optional and set by main.
func NewWorker(cfg WorkerConfig, s syncer, r reconciler, log *logger.Logger) *Worker {
	if cfg.MaintenanceEvery <= 0 {
		cfg.MaintenanceEvery = time.Hour
	}
	return &Worker{
		cfg:          cfg,
		syncer:       s,
		reconciler:   r,
		log:          log.WithComponent("worker"),
		reconcileReq: make(chan struct{}, 1),
	}
}

// RequestReconcile asks for a reconcile pass. Requests arriving while one
// is pending collapse into it.
func (w *Worker) RequestReconcile() {
	select {
	case w.reconcileReq <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (w *Worker) Run(ctx context.Context) {
	w.recoverAbandoned(ctx)

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	for _, s := range w.cfg.Schedules {
		start(func(ctx context.Context) { w.syncLoop(ctx, s) })
	}
	start(w.reconcileLoop)
	if w.relay != nil && w.cfg.OutboxInterval > 0 {
		start(w.outboxLoop)
	}
	start(w.maintenanceLoop)

	wg.Wait()
}

func (w *Worker) syncLoop(ctx context.Context, s schedule) {
	log := w.log.With("source_type", s.source)
	log.Infow("sync schedule started", "every", s.every)

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		w.syncOnce(ctx, s.source)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) syncOnce(ctx context.Context, st source.Type) {
	run, err := w.syncer.RunSync(ctx, st, source.ModeIncremental)
	if err != nil && run == nil {
		// RUN_IN_PROGRESS lands here when another process holds the source
		w.log.Infow("scheduled sync skipped", "source_type", st, "reason", err)
	}
}

func (w *Worker) reconcileLoop(ctx context.Context) {
	var tick <-chan time.Time
	if w.cfg.ReconcileInterval > 0 {
		ticker := time.NewTicker(w.cfg.ReconcileInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-w.reconcileReq:
		}
		if _, err := w.reconciler.Reconcile(ctx, 0); err != nil {
			w.log.Errorw("reconcile pass failed", "error", err)
		}
	}
}

func (w *Worker) outboxLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.OutboxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// drain while full batches keep coming
		for {
			n, err := w.relay.ProcessBatch(ctx)
			if err != nil {
				w.log.Warnw("outbox batch failed", "error", err)
				break
			}
			if n == 0 || ctx.Err() != nil {
				break
			}
			w.log.Debugw("outbox batch delivered", "count", n)
		}
	}
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MaintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.recoverAbandoned(ctx)
		w.cleanupOutbox(ctx)
		if w.stats != nil {
			w.stats.LogStats(ctx)
		}
	}
}

func (w *Worker) recoverAbandoned(ctx context.Context) {
	if w.cfg.AbandonedAfter <= 0 {
		return
	}
	if _, err := w.syncer.RecoverAbandoned(ctx, w.cfg.AbandonedAfter); err != nil {
		w.log.Errorw("recover abandoned runs failed", "error", err)
	}
}

func (w *Worker) cleanupOutbox(ctx context.Context) {
	if w.relay == nil {
		return
	}
	if n, err := w.relay.MoveToDLQ(ctx); err != nil {
		w.log.Warnw("move outbox failures to DLQ", "error", err)
	} else if n > 0 {
		w.log.Warnw("outbox messages moved to DLQ", "count", n)
	}
	if w.cfg.OutboxRetention <= 0 {
		return
	}
	if n, err := w.relay.PurgePublished(ctx, w.cfg.OutboxRetention); err != nil {
		w.log.Warnw("purge published outbox messages", "error", err)
	} else if n > 0 {
		w.log.Infow("purged published outbox messages", "count", n)
	}
}
