package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"contactsync/internal/domain/resolution"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	"contactsync/internal/infrastructure/adapters/httpfeed"
)

// Duration decodes TOML strings such as "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// RetryConfig is the [sync.retry] table.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	Multiplier  float64  `toml:"multiplier"`
	MaxDelay    Duration `toml:"max_delay"`
}

// SyncConfig is the [sync] table.
type SyncConfig struct {
	DefaultRegion   string      `toml:"default_region"`
	PageTimeout     Duration    `toml:"page_timeout"`
	MaxPayloadBytes int         `toml:"max_payload_bytes"`
	Concurrency     int         `toml:"concurrency"`
	Retry           RetryConfig `toml:"retry"`
}

// MatchingConfig is the [matching] table.
type MatchingConfig struct {
	MaxEmailEditDistance int      `toml:"max_email_edit_distance"`
	FuzzySameDomainOnly  *bool    `toml:"fuzzy_same_domain_only"`
	PhoneSuffixDigits    int      `toml:"phone_suffix_digits"`
	IgnoredDomains       []string `toml:"ignored_domains"`
	Concurrency          int      `toml:"concurrency"`
	ReconcileBatchSize   int      `toml:"reconcile_batch_size"`
}

// SourceConfig is one [[source]] entry.
type SourceConfig struct {
	Type string `toml:"type"`
	URL  string `toml:"url"`
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv    string   `toml:"token_env"`
	PageSize    int      `toml:"page_size"`
	CursorOrder string   `toml:"cursor_order"`
	Timeout     Duration `toml:"timeout"`
	// Interval between scheduled incremental runs. Zero means manual only.
	Interval Duration `toml:"interval"`
	// Filter is a CEL include expression over `record`.
	Filter   string `toml:"filter"`
	Disabled bool   `toml:"disabled"`
}

// SourcesConfig is the content of the sources file.
type SourcesConfig struct {
	Sync     SyncConfig     `toml:"sync"`
	Matching MatchingConfig `toml:"matching"`
	Sources  []SourceConfig `toml:"source"`
}

// LoadSources reads and parses path. A missing file yields an empty
// configuration so that a process can start without any source.
func LoadSources(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &SourcesConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sources file %q: %w", path, err)
	}
	return ParseSources(data)
}

// ParseSources parses TOML content.
func ParseSources(data []byte) (*SourcesConfig, error) {
	var sc SourcesConfig
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks every source entry.
func (sc *SourcesConfig) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, s := range sc.Sources {
		if _, err := source.ParseType(s.Type); err != nil {
			errs = append(errs, fmt.Errorf("source[%d]: %w", i, err))
			continue
		}
		if seen[s.Type] {
			errs = append(errs, fmt.Errorf("source[%d]: %s configured twice", i, s.Type))
		}
		seen[s.Type] = true
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("source[%d] %s: url is required", i, s.Type))
		}
		if s.Interval.Duration < 0 {
			errs = append(errs, fmt.Errorf("source[%d] %s: negative interval", i, s.Type))
		}
		if s.Filter != "" {
			if _, err := source.NewFilter(s.Filter); err != nil {
				errs = append(errs, fmt.Errorf("source[%d] %s: %w", i, s.Type, err))
			}
		}
	}
	if sc.Matching.MaxEmailEditDistance < 0 {
		errs = append(errs, errors.New("matching: max_email_edit_distance must not be negative"))
	}
	return errors.Join(errs...)
}

// Enabled returns the sources not marked disabled.
func (sc *SourcesConfig) Enabled() []SourceConfig {
	var out []SourceConfig
	for _, s := range sc.Sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// Orchestrator overlays the [sync] table on syncrun defaults.
func (sc *SourcesConfig) Orchestrator() syncrun.Config {
	cfg := syncrun.DefaultConfig()
	s := sc.Sync
	if s.DefaultRegion != "" {
		cfg.DefaultRegion = s.DefaultRegion
	}
	if s.PageTimeout.Duration > 0 {
		cfg.PageTimeout = s.PageTimeout.Duration
	}
	if s.MaxPayloadBytes > 0 {
		cfg.MaxPayloadBytes = s.MaxPayloadBytes
	}
	if s.Concurrency > 0 {
		cfg.Concurrency = s.Concurrency
	}
	if s.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = s.Retry.MaxAttempts
	}
	if s.Retry.BaseDelay.Duration > 0 {
		cfg.Retry.BaseDelay = s.Retry.BaseDelay.Duration
	}
	if s.Retry.Multiplier >= 1 {
		cfg.Retry.Multiplier = s.Retry.Multiplier
	}
	if s.Retry.MaxDelay.Duration > 0 {
		cfg.Retry.MaxDelay = s.Retry.MaxDelay.Duration
	}
	return cfg
}

// Resolver overlays the [matching] table on resolution defaults.
func (sc *SourcesConfig) Resolver() resolution.Config {
	cfg := resolution.DefaultConfig()
	m := sc.Matching
	if m.MaxEmailEditDistance > 0 {
		cfg.MaxEmailEditDistance = m.MaxEmailEditDistance
	}
	if m.FuzzySameDomainOnly != nil {
		cfg.FuzzySameDomainOnly = *m.FuzzySameDomainOnly
	}
	if m.PhoneSuffixDigits > 0 {
		cfg.PhoneSuffixDigits = m.PhoneSuffixDigits
	}
	if m.IgnoredDomains != nil {
		cfg.IgnoredDomains = m.IgnoredDomains
	}
	if m.Concurrency > 0 {
		cfg.Concurrency = m.Concurrency
	}
	if m.ReconcileBatchSize > 0 {
		cfg.ReconcileBatchSize = m.ReconcileBatchSize
	}
	return cfg
}

// Feed builds the httpfeed settings of s, reading its token through lookup.
func (s SourceConfig) Feed(lookup func(string) (string, bool)) httpfeed.Config {
	var token string
	if s.TokenEnv != "" {
		token, _ = lookup(s.TokenEnv)
	}
	return httpfeed.Config{
		SourceType:  source.Type(s.Type),
		URL:         s.URL,
		Token:       token,
		PageSize:    s.PageSize,
		CursorOrder: httpfeed.CursorOrder(s.CursorOrder),
		Timeout:     s.Timeout.Duration,
	}
}

// CompiledFilter compiles the include filter. It is nil when none is set.
func (s SourceConfig) CompiledFilter() (*source.Filter, error) {
	return source.NewFilter(s.Filter)
}
