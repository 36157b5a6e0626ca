// Package config loads process settings from the environment and the
// per-source/matching settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration shared by the server, worker and CLI.
type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string

	DatabaseURL        string
	DBMaxConns         int32
	RunMigrations      bool
	DBStatementTimeout time.Duration

	// RedisURL enables the cross-process run guard. Empty disables it.
	RedisURL   string
	RunLockTTL time.Duration

	// KafkaBrokers enables the outbox relay. Empty disables it.
	KafkaBrokers     []string
	KafkaTopicPrefix string

	JWTSecret string
	// AuthDisabled skips bearer token checks; only honored in development.
	AuthDisabled bool

	SourcesFile string

	AbandonedAfter    time.Duration
	ReconcileInterval time.Duration
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxRetention   time.Duration

	Sources *SourcesConfig
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Env:                "development",
		LogLevel:           "info",
		HTTPAddr:           ":8080",
		DBMaxConns:         25,
		RunMigrations:      true,
		DBStatementTimeout: 30 * time.Second,
		RunLockTTL:         2 * time.Minute,
		KafkaTopicPrefix:   "contactsync.",
		SourcesFile:        "sources.toml",
		AbandonedAfter:     time.Hour,
		ReconcileInterval:  6 * time.Hour,
		OutboxInterval:     2 * time.Second,
		OutboxBatchSize:    100,
		OutboxRetention:    7 * 24 * time.Hour,
	}
}

// IsDevelopment reports whether APP_ENV is development.
func (c Config) IsDevelopment() bool { return c.Env == "development" }

// Load reads .env (when present) into the environment, then builds the
// config from environment variables and the sources file.
func Load() (Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := FromEnv(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}

	src, err := LoadSources(cfg.SourcesFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Sources = src

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds the process config from lookup, without reading files.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	e := envReader{lookup: lookup}
	d := Default()

	cfg := Config{
		Env:                e.str("APP_ENV", d.Env),
		LogLevel:           e.str("LOG_LEVEL", d.LogLevel),
		HTTPAddr:           e.str("HTTP_ADDR", d.HTTPAddr),
		DatabaseURL:        e.str("DATABASE_URL", ""),
		DBMaxConns:         int32(e.int("DB_MAX_CONNS", int(d.DBMaxConns))),
		RunMigrations:      e.bool("RUN_MIGRATIONS", d.RunMigrations),
		DBStatementTimeout: e.duration("DB_STATEMENT_TIMEOUT", d.DBStatementTimeout),
		RedisURL:           e.str("REDIS_URL", ""),
		RunLockTTL:         e.duration("RUN_LOCK_TTL", d.RunLockTTL),
		KafkaBrokers:       splitList(e.str("KAFKA_BROKERS", "")),
		KafkaTopicPrefix:   e.str("KAFKA_TOPIC_PREFIX", d.KafkaTopicPrefix),
		JWTSecret:          e.str("JWT_SECRET", ""),
		AuthDisabled:       e.bool("AUTH_DISABLED", false),
		SourcesFile:        e.str("SOURCES_FILE", d.SourcesFile),
		AbandonedAfter:     e.duration("ABANDONED_RUN_AFTER", d.AbandonedAfter),
		ReconcileInterval:  e.duration("RECONCILE_INTERVAL", d.ReconcileInterval),
		OutboxInterval:     e.duration("OUTBOX_INTERVAL", d.OutboxInterval),
		OutboxBatchSize:    e.int("OUTBOX_BATCH_SIZE", d.OutboxBatchSize),
		OutboxRetention:    e.duration("OUTBOX_RETENTION", d.OutboxRetention),
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	return cfg, nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	if c.JWTSecret == "" && !(c.AuthDisabled && c.IsDevelopment()) {
		errs = append(errs, errors.New("JWT_SECRET is required unless AUTH_DISABLED is set in development"))
	}
	if c.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.Sources != nil {
		if err := c.Sources.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
