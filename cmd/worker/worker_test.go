package main

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/core/apperror"
	"contactsync/internal/domain/resolution"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	"contactsync/pkg/logger"
)

type fakeSyncer struct {
	mu        sync.Mutex
	runs      map[source.Type]int
	recovered atomic.Int32
	busy      bool
}

func (f *fakeSyncer) RunSync(_ context.Context, st source.Type, mode source.Mode) (*syncrun.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return nil, apperror.NewRunInProgress(string(st))
	}
	f.runs[st]++
	return &syncrun.Run{SourceType: st, Mode: mode, Status: syncrun.StatusSuccess}, nil
}

func (f *fakeSyncer) RecoverAbandoned(context.Context, time.Duration) (int, error) {
	f.recovered.Add(1)
	return 0, nil
}

func (f *fakeSyncer) count(st source.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[st]
}

type fakeReconciler struct {
	passes atomic.Int32
}

func (f *fakeReconciler) Reconcile(context.Context, int) (resolution.ReconcileResult, error) {
	f.passes.Add(1)
	return resolution.ReconcileResult{}, nil
}

type fakeRelay struct {
	batches atomic.Int32
	pending atomic.Int32
	dlq     atomic.Int32
	purged  atomic.Int32
}

func (f *fakeRelay) ProcessBatch(context.Context) (int, error) {
	f.batches.Add(1)
	if f.pending.Load() > 0 {
		f.pending.Add(-1)
		return 1, nil
	}
	return 0, nil
}

func (f *fakeRelay) MoveToDLQ(context.Context) (int64, error) {
	f.dlq.Add(1)
	return 0, nil
}

func (f *fakeRelay) PurgePublished(context.Context, time.Duration) (int64, error) {
	f.purged.Add(1)
	return 0, nil
}

func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorker_SchedulesSyncsImmediatelyAndPeriodically(t *testing.T) {
	s := &fakeSyncer{runs: map[source.Type]int{}}
	w := NewWorker(WorkerConfig{
		Schedules:      []schedule{{source: source.TypeCRM, every: 10 * time.Millisecond}},
		AbandonedAfter: time.Hour,
	}, s, &fakeReconciler{}, logger.Nop())

	stop := runWorker(t, w)
	require.Eventually(t, func() bool { return s.count(source.TypeCRM) >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.EqualValues(t, 1, s.recovered.Load(), "abandoned runs are recovered at startup")
	assert.Zero(t, s.count(source.TypeMailbox))
}

func TestWorker_SkipsWhenRunInProgress(t *testing.T) {
	s := &fakeSyncer{runs: map[source.Type]int{}, busy: true}
	w := NewWorker(WorkerConfig{}, s, &fakeReconciler{}, logger.Nop())

	w.syncOnce(context.Background(), source.TypeCRM)
	assert.Zero(t, s.count(source.TypeCRM))
}

func TestWorker_ReconcileRequestsCollapse(t *testing.T) {
	r := &fakeReconciler{}
	w := NewWorker(WorkerConfig{}, &fakeSyncer{runs: map[source.Type]int{}}, r, logger.Nop())

	// before the loop starts, repeated requests leave a single pending signal
	w.RequestReconcile()
	w.RequestReconcile()
	w.RequestReconcile()

	stop := runWorker(t, w)
	require.Eventually(t, func() bool { return r.passes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	w.RequestReconcile()
	require.Eventually(t, func() bool { return r.passes.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestWorker_OutboxDrainsAndMaintains(t *testing.T) {
	relay := &fakeRelay{}
	relay.pending.Store(3)

	w := NewWorker(WorkerConfig{
		OutboxInterval:   5 * time.Millisecond,
		OutboxRetention:  time.Hour,
		MaintenanceEvery: 10 * time.Millisecond,
	}, &fakeSyncer{runs: map[source.Type]int{}}, &fakeReconciler{}, logger.Nop())
	w.relay = relay

	stop := runWorker(t, w)
	require.Eventually(t, func() bool {
		return relay.pending.Load() == 0 && relay.dlq.Load() > 0 && relay.purged.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
	stop()
}
