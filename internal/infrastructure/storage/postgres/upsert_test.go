package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordsSpec = UpsertSpec{
	Table:      "source_records",
	KeyColumns: []string{"source_type", "source_id"},
	HashColumn: "content_hash",
	Touch:      []string{"updated_at = NOW()"},
	Immutable:  []string{"first_seen_at"},
}

func TestUpsertSpec_Build(t *testing.T) {
	sql, args, err := recordsSpec.Build(map[string]any{
		"source_type":   "crm",
		"source_id":     "C1",
		"content_hash":  []byte{1},
		"payload":       []byte(`{}`),
		"first_seen_at": "t0",
	})
	require.NoError(t, err)

	assert.Equal(t,
		"INSERT INTO source_records (content_hash,first_seen_at,payload,source_id,source_type) VALUES ($1,$2,$3,$4,$5) "+
			"ON CONFLICT (source_type, source_id) DO UPDATE SET content_hash = EXCLUDED.content_hash, payload = EXCLUDED.payload, updated_at = NOW() "+
			"WHERE source_records.content_hash IS DISTINCT FROM EXCLUDED.content_hash RETURNING (xmax = 0) AS inserted",
		sql)
	assert.Equal(t, []any{[]byte{1}, "t0", []byte(`{}`), "C1", "crm"}, args)
}

func TestUpsertSpec_BuildRequiresKeys(t *testing.T) {
	_, _, err := UpsertSpec{Table: "t"}.Build(map[string]any{"a": 1})
	assert.Error(t, err)
}

func TestIsRowError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"invalid json", &pgconn.PgError{Code: "22P02"}, true},
		{"wrapped check violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23514"}), true},
		{"rejected before sql", fmt.Errorf("payload: %w", ErrRowRejected), true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, false},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, false},
		{"plain error", errors.New("conn closed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRowError(tt.err))
		})
	}
}

func TestUpsertOutcome_String(t *testing.T) {
	assert.Equal(t, "inserted", OutcomeInserted.String())
	assert.Equal(t, "updated", OutcomeUpdated.String())
	assert.Equal(t, "unchanged", OutcomeUnchanged.String())
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "sync_runs_one_running"})

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "sync_runs_one_running"))
	assert.False(t, IsUniqueViolation(err, "other"))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, uint64(50), ClampLimit(0, 50, 500))
	assert.Equal(t, uint64(500), ClampLimit(9000, 50, 500))
	assert.Equal(t, uint64(7), ClampLimit(7, 50, 500))
}
