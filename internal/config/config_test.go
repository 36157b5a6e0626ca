package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/domain/source"
	"contactsync/internal/infrastructure/adapters/httpfeed"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(mapLookup(map[string]string{"DATABASE_URL": "postgres://localhost/cs"}))
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, "postgres://localhost/cs", cfg.DatabaseURL)
	assert.Equal(t, d.HTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, d.AbandonedAfter, cfg.AbandonedAfter)
	assert.True(t, cfg.RunMigrations)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(mapLookup(map[string]string{
		"APP_ENV":             "production",
		"DB_MAX_CONNS":        "7",
		"RUN_MIGRATIONS":      "false",
		"KAFKA_BROKERS":       "k1:9092, k2:9092,",
		"RECONCILE_INTERVAL":  "15m",
		"ABANDONED_RUN_AFTER": "90m",
	}))
	require.NoError(t, err)

	assert.False(t, cfg.IsDevelopment())
	assert.EqualValues(t, 7, cfg.DBMaxConns)
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 90*time.Minute, cfg.AbandonedAfter)
}

func TestFromEnv_ReportsEveryBadValue(t *testing.T) {
	_, err := FromEnv(mapLookup(map[string]string{
		"DB_MAX_CONNS":    "many",
		"OUTBOX_INTERVAL": "soon",
		"RUN_MIGRATIONS":  "perhaps",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_MAX_CONNS")
	assert.Contains(t, err.Error(), "OUTBOX_INTERVAL")
	assert.Contains(t, err.Error(), "RUN_MIGRATIONS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.DatabaseURL = "postgres://x"
	cfg.AuthDisabled = true
	assert.NoError(t, cfg.Validate())

	cfg.Env = "production"
	assert.Error(t, cfg.Validate(), "auth can only be disabled in development")
}

const sampleSources = `
[sync]
default_region = "GB"
page_timeout = "20s"

[sync.retry]
max_attempts = 3
base_delay = "250ms"

[matching]
max_email_edit_distance = 1
fuzzy_same_domain_only = false
ignored_domains = ["mail.example"]

[[source]]
type = "telephony"
url = "https://calls.example/api/calls"
token_env = "CALLS_TOKEN"
cursor_order = "numeric"
interval = "5m"
filter = 'record.kind == "call"'

[[source]]
type = "crm"
url = "https://crm.example/contacts"
disabled = true
`

func TestParseSources(t *testing.T) {
	sc, err := ParseSources([]byte(sampleSources))
	require.NoError(t, err)

	require.Len(t, sc.Sources, 2)
	enabled := sc.Enabled()
	require.Len(t, enabled, 1)

	calls := enabled[0]
	assert.Equal(t, 5*time.Minute, calls.Interval.Duration)

	feed := calls.Feed(mapLookup(map[string]string{"CALLS_TOKEN": "t0ken"}))
	assert.Equal(t, source.TypeTelephony, feed.SourceType)
	assert.Equal(t, "t0ken", feed.Token)
	assert.Equal(t, httpfeed.CursorOrderNumeric, feed.CursorOrder)

	f, err := calls.CompiledFilter()
	require.NoError(t, err)
	assert.NotNil(t, f)

	oc := sc.Orchestrator()
	assert.Equal(t, "GB", oc.DefaultRegion)
	assert.Equal(t, 20*time.Second, oc.PageTimeout)
	assert.Equal(t, 3, oc.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, oc.Retry.BaseDelay)

	rc := sc.Resolver()
	assert.Equal(t, 1, rc.MaxEmailEditDistance)
	assert.False(t, rc.FuzzySameDomainOnly)
	assert.Equal(t, []string{"mail.example"}, rc.IgnoredDomains)
	assert.Equal(t, 10, rc.PhoneSuffixDigits, "unset keys keep defaults")
}

func TestParseSources_Invalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"unknown type", "[[source]]\ntype = \"fax\"\nurl = \"http://x\"\n", "unknown source type"},
		{"missing url", "[[source]]\ntype = \"crm\"\n", "url is required"},
		{"duplicate", "[[source]]\ntype = \"crm\"\nurl = \"http://x\"\n[[source]]\ntype = \"crm\"\nurl = \"http://y\"\n", "configured twice"},
		{"bad filter", "[[source]]\ntype = \"crm\"\nurl = \"http://x\"\nfilter = \"record.kind\"\n", "must evaluate to bool"},
		{"bad duration", "[[source]]\ntype = \"crm\"\nurl = \"http://x\"\ninterval = \"often\"\n", "parse sources file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSources([]byte(tt.toml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadSources_MissingFileIsEmpty(t *testing.T) {
	sc, err := LoadSources(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Empty(t, sc.Sources)
}

func TestLoadSources_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSources), 0o600))

	sc, err := LoadSources(path)
	require.NoError(t, err)
	assert.Len(t, sc.Sources, 2)
}
