// Package app wires configuration into the storage, sync and resolution
// components shared by the server, worker and CLI binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"contactsync/internal/config"
	"contactsync/internal/domain/resolution"
	"contactsync/internal/domain/syncrun"
	"contactsync/internal/infrastructure/adapters/httpfeed"
	"contactsync/internal/infrastructure/cache"
	"contactsync/internal/infrastructure/lock"
	"contactsync/internal/infrastructure/messaging/kafka"
	"contactsync/internal/infrastructure/metrics"
	"contactsync/internal/infrastructure/storage/postgres"
	"contactsync/internal/infrastructure/storage/postgres/directory_repo"
	"contactsync/internal/infrastructure/storage/postgres/migrations"
	"contactsync/internal/infrastructure/storage/postgres/resolution_repo"
	"contactsync/internal/infrastructure/storage/postgres/sync_repo"
	"contactsync/internal/infrastructure/storage/postgres/warehouse_repo"
	"contactsync/pkg/logger"
)

// App holds the wired components. Optional parts are nil when their
// backing service is not configured.
type App struct {
	Config config.Config
	Log    *logger.Logger

	Pool  *postgres.Pool
	Tx    *postgres.TxManager
	Codec *postgres.PayloadCodec
	Redis *redis.Client

	Registry *prometheus.Registry
	Metrics  *metrics.Recorder

	Ledger     *sync_repo.LedgerRepo
	Watermarks *sync_repo.WatermarkRepo
	Records    *warehouse_repo.RecordRepo
	Directory  *directory_repo.Reader
	Store      *resolution_repo.Store
	Overrides  *resolution_repo.OverrideStore
	Outbox     *postgres.OutboxPublisher

	Resolver     *resolution.Resolver
	Reconciler   *resolution.Reconciler
	Orchestrator *syncrun.Orchestrator
	Watcher      *cache.DirectoryWatcher

	// Relay and Publisher are set when Kafka brokers are configured.
	Relay     *postgres.OutboxRelay
	Publisher *kafka.Publisher
}

// New connects to the database (migrating it when configured), and builds
// every component. Close releases what New opened.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (a *App, err error) {
	a = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if cfg.RunMigrations {
		if err := migrations.Up(cfg.DatabaseURL, log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DBMaxConns
	if a.Pool, err = postgres.NewPool(ctx, poolCfg); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.Tx = postgres.NewTxManager(a.Pool)
	a.Tx.SetStatementTimeout(cfg.DBStatementTimeout)

	if a.Codec, err = postgres.NewPayloadCodec(postgres.DefaultCompressThreshold); err != nil {
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewRecorder(a.Registry)

	a.Outbox = postgres.NewOutboxPublisher(a.Tx)
	a.Ledger = sync_repo.NewLedgerRepo(a.Tx, a.Outbox)
	a.Watermarks = sync_repo.NewWatermarkRepo(a.Tx)
	a.Records = warehouse_repo.NewRecordRepo(a.Tx, a.Codec)
	a.Directory = directory_repo.NewReader(a.Tx)
	a.Store = resolution_repo.NewStore(a.Tx, a.Outbox)
	a.Overrides = resolution_repo.NewOverrideStore(a.Tx)

	sources := cfg.Sources
	if sources == nil {
		sources = &config.SourcesConfig{}
	}

	a.Resolver = resolution.NewResolver(resolution.Dependencies{
		Directory: a.Directory,
		Overrides: a.Overrides,
		Store:     a.Store,
		Tx:        a.Tx,
		Metrics:   a.Metrics,
		Logger:    log,
	}, sources.Resolver())
	a.Reconciler = resolution.NewReconciler(a.Resolver)

	var guard syncrun.RunGuard = syncrun.NewLocalGuard()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		guard = syncrun.ChainGuards(guard, lock.NewRedisGuard(a.Redis, lock.Config{TTL: cfg.RunLockTTL}, log))
	}

	a.Orchestrator = syncrun.NewOrchestrator(syncrun.Dependencies{
		Ledger:     a.Ledger,
		Watermarks: a.Watermarks,
		Writer:     a.Records,
		Sink:       a.Resolver,
		Guard:      guard,
		Tx:         a.Tx,
		Metrics:    a.Metrics,
		Logger:     log,
	}, sources.Orchestrator())
	if err := RegisterSources(a.Orchestrator, sources, os.LookupEnv); err != nil {
		return nil, err
	}

	a.Watcher = cache.NewDirectoryWatcher(a.Pool.Pool, a.Directory)

	if len(cfg.KafkaBrokers) > 0 {
		a.Publisher = kafka.NewPublisher(kafka.Config{Brokers: cfg.KafkaBrokers, TopicPrefix: cfg.KafkaTopicPrefix})
		a.Relay = postgres.NewOutboxRelay(a.Tx, cfg.OutboxBatchSize, a.Publisher)
	}
	return a, nil
}

// RegisterSources adds an httpfeed adapter for every enabled source.
func RegisterSources(o *syncrun.Orchestrator, sc *config.SourcesConfig, lookup func(string) (string, bool)) error {
	var errs []error
	for _, s := range sc.Enabled() {
		adapter, err := httpfeed.New(s.Feed(lookup), nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		filter, err := s.CompiledFilter()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		o.Register(adapter, syncrun.WithFilter(filter))
	}
	return errors.Join(errs...)
}

// Close releases connections opened by New.
func (a *App) Close() {
	if a.Watcher != nil {
		a.Watcher.Stop()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Log.Warnw("close kafka publisher", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Codec != nil {
		a.Codec.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// RedisPinger adapts a redis client to a health check.
type RedisPinger struct {
	Client *redis.Client
}

// Ping implements handlers.Pinger.
func (p RedisPinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}
