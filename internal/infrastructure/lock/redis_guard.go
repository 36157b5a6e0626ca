// Package lock provides a Redis-backed run guard so that sync runs of one
// source never overlap across worker and server processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"contactsync/internal/core/apperror"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	"contactsync/pkg/logger"
)

// ErrLockNotHeld is returned when the lock expired or changed owner.
var ErrLockNotHeld = errors.New("lock not held")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// keyStore is the subset of Redis the guard needs.
type keyStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIf deletes key when it still holds value.
	DeleteIf(ctx context.Context, key, value string) (bool, error)
	// ExpireIf resets the TTL of key when it still holds value.
	ExpireIf(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

type redisStore struct {
	rdb redis.Scripter
	set func(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
}

func (s redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.set(ctx, key, value, ttl).Result()
}

func (s redisStore) DeleteIf(ctx context.Context, key, value string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, value).Int64()
	return n == 1, err
}

func (s redisStore) ExpireIf(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.rdb, []string{key}, value, ttl.Milliseconds()).Int64()
	return n == 1, err
}

// Config tunes the guard.
type Config struct {
	KeyPrefix string
	// TTL bounds how long a crashed holder blocks the source.
	TTL time.Duration
}

// RedisGuard implements syncrun.RunGuard with SET NX locks renewed while
// the run is alive.
type RedisGuard struct {
	store  keyStore
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

var _ syncrun.RunGuard = (*RedisGuard)(nil)

// NewRedisGuard creates a guard over a go-redis client.
func NewRedisGuard(rdb *redis.Client, cfg Config, log *logger.Logger) *RedisGuard {
	return newGuard(redisStore{rdb: rdb, set: rdb.SetNX}, cfg, log)
}

func newGuard(store keyStore, cfg Config, log *logger.Logger) *RedisGuard {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "contactsync:run:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if log == nil {
		log = logger.Default()
	}
	return &RedisGuard{store: store, prefix: cfg.KeyPrefix, ttl: cfg.TTL, log: log.WithComponent("run_guard")}
}

// Acquire takes the lock for st or fails with RUN_IN_PROGRESS. The lock is
// extended every TTL/3 until release is called.
func (g *RedisGuard) Acquire(ctx context.Context, st source.Type) (func(), error) {
	key := g.prefix + string(st)
	token := uuid.NewString()

	ok, err := g.store.SetNX(ctx, key, token, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, apperror.NewRunInProgress(string(st))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.renew(ctx, key, token, stop)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			held, err := g.store.DeleteIf(relCtx, key, token)
			switch {
			case err != nil:
				g.log.WithContext(ctx).Warnw("release run lock failed", "key", key, "error", err)
			case !held:
				g.log.WithContext(ctx).Warnw("run lock expired before release", "key", key)
			}
		})
	}
	return release, nil
}

func (g *RedisGuard) renew(ctx context.Context, key, token string, stop <-chan struct{}) {
	t := time.NewTicker(g.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.ttl/3)
			held, err := g.store.ExpireIf(renewCtx, key, token, g.ttl)
			cancel()
			if err != nil {
				g.log.WithContext(ctx).Warnw("extend run lock failed", "key", key, "error", err)
				continue
			}
			if !held {
				g.log.WithContext(ctx).Errorw("run lock lost", "key", key, "error", ErrLockNotHeld)
				return
			}
		}
	}
}
