// Package cache keeps the directory version in memory and refreshes it on
// PostgreSQL LISTEN/NOTIFY instead of polling.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"contactsync/internal/domain/directory"
	"contactsync/pkg/logger"
)

// DirectoryChannel is notified by triggers on the crm_* tables.
const DirectoryChannel = "directory_changed"

// ChangeListener is called with the new version after the directory changed.
type ChangeListener func(v directory.Version)

// DirectoryWatcher tracks directory.Version and tells listeners when it moves.
type DirectoryWatcher struct {
	pool   *pgxpool.Pool
	reader directory.Reader

	mu      sync.RWMutex
	version directory.Version
	loaded  bool

	listenersMu sync.RWMutex
	listeners   []ChangeListener

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewDirectoryWatcher creates a watcher. pool may be nil, in which case only
// explicit Refresh calls detect changes.
func NewDirectoryWatcher(pool *pgxpool.Pool, reader directory.Reader) *DirectoryWatcher {
	return &DirectoryWatcher{pool: pool, reader: reader}
}

// OnChange registers a listener. Listeners run on the watcher goroutine.
func (w *DirectoryWatcher) OnChange(l ChangeListener) {
	w.listenersMu.Lock()
	w.listeners = append(w.listeners, l)
	w.listenersMu.Unlock()
}

// Version returns the last observed version.
func (w *DirectoryWatcher) Version() directory.Version {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// Start loads the current version and begins listening.
func (w *DirectoryWatcher) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	if w.started {
		w.lifecycleMu.Unlock()
		return nil
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	w.lifecycleMu.Unlock()

	if _, err := w.Refresh(w.ctx); err != nil {
		w.Stop()
		return fmt.Errorf("load directory version: %w", err)
	}

	if w.pool != nil {
		w.wg.Add(1)
		go w.listenLoop()
	}
	logger.Info(w.ctx, "directory watcher started")
	return nil
}

// Stop ends the listener and waits for it.
func (w *DirectoryWatcher) Stop() {
	w.lifecycleMu.Lock()
	if !w.started {
		w.lifecycleMu.Unlock()
		return
	}
	cancel := w.cancel
	w.started = false
	w.cancel = nil
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	logger.Info(context.Background(), "directory watcher stopped")
}

// Refresh re-reads the version and notifies listeners when it changed.
// The first load never notifies.
func (w *DirectoryWatcher) Refresh(ctx context.Context) (bool, error) {
	v, err := w.reader.Version(ctx)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	changed := w.loaded && (v.Entries != w.version.Entries || !v.UpdatedAt.Equal(w.version.UpdatedAt))
	w.version, w.loaded = v, true
	w.mu.Unlock()

	if changed {
		w.notify(ctx, v)
	}
	return changed, nil
}

func (w *DirectoryWatcher) notify(ctx context.Context, v directory.Version) {
	w.listenersMu.RLock()
	defer w.listenersMu.RUnlock()
	for _, l := range w.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(ctx, "directory listener panic recovered", "panic", r)
				}
			}()
			l(v)
		}()
	}
}

func (w *DirectoryWatcher) listenLoop() {
	defer w.wg.Done()

	for w.ctx.Err() == nil {
		conn, err := w.pool.Acquire(w.ctx)
		if err != nil {
			logger.Error(w.ctx, "acquire connection for LISTEN failed", "error", err)
			w.pause()
			continue
		}

		if _, err := conn.Exec(w.ctx, "LISTEN "+DirectoryChannel); err != nil {
			logger.Error(w.ctx, "LISTEN failed", "channel", DirectoryChannel, "error", err)
			conn.Release()
			w.pause()
			continue
		}

		logger.Info(w.ctx, "listening for directory notifications", "channel", DirectoryChannel)
		w.waitForNotifications(conn)
		conn.Release()
	}
}

func (w *DirectoryWatcher) pause() {
	select {
	case <-w.ctx.Done():
	case <-time.After(time.Second):
	}
}

// waitForNotifications returns on shutdown or when the connection breaks.
func (w *DirectoryWatcher) waitForNotifications(conn *pgxpool.Conn) {
	for {
		ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
		n, err := conn.Conn().WaitForNotification(ctx)
		cancel()

		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if conn.Conn().IsClosed() {
				logger.Warn(w.ctx, "LISTEN connection lost", "error", err)
				return
			}
			// timeout; refresh anyway to cover notifications lost during reconnects
			if _, err := w.Refresh(w.ctx); err != nil {
				logger.Warn(w.ctx, "directory refresh failed", "error", err)
			}
			continue
		}

		logger.Debug(w.ctx, "directory notification", "table", n.Payload)
		if _, err := w.Refresh(w.ctx); err != nil {
			logger.Warn(w.ctx, "directory refresh failed", "error", err)
		}
	}
}
