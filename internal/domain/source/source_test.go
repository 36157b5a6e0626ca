package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/domain/identity"
)

func rawIDs(t Transformed) []string {
	out := make([]string, 0, len(t.Identifiers))
	for _, id := range t.Identifiers {
		out = append(out, string(id.Kind)+"/"+id.Role+"/"+id.Value)
	}
	return out
}

func TestTransformers(t *testing.T) {
	tr := DefaultTransformers()

	tests := []struct {
		name     string
		source   Type
		rec      ProviderRecord
		wantID   string
		wantType string
		wantIDs  []string
		wantErr  bool
	}{
		{
			name:   "mailbox message with display names",
			source: TypeMailbox,
			rec: ProviderRecord{Payload: json.RawMessage(`{
				"message_id":"m-1","from":"Jane <Jane@Acme.com>",
				"to":["bob@acme.com, Carol <carol@beta.io>"],"cc":[""],
				"sent_at":"2024-03-01T10:00:00Z"}`)},
			wantID:   "m-1",
			wantType: "message",
			wantIDs: []string{
				"email/from/Jane@Acme.com",
				"email/to/bob@acme.com",
				"email/to/carol@beta.io",
			},
		},
		{
			name:   "crm contact",
			source: TypeCRM,
			rec: ProviderRecord{ID: "C1", Payload: json.RawMessage(`{
				"object_type":"contact","emails":["jane@acme.com"],"phones":["5551234567"],
				"updated_at":"2024-03-01T10:00:00Z"}`)},
			wantID:   "C1",
			wantType: "contact",
			wantIDs:  []string{"email/email/jane@acme.com", "phone/phone/5551234567"},
		},
		{
			name:   "telephony call",
			source: TypeTelephony,
			rec: ProviderRecord{Kind: "call", Payload: json.RawMessage(`{
				"call_id":"call-9","from_number":"+1 (555) 123-4567","to_number":"",
				"started_at":"2024-03-01T10:00:00Z","duration_seconds":30}`)},
			wantID:   "call-9",
			wantType: "call",
			wantIDs:  []string{"phone/from/+1 (555) 123-4567"},
		},
		{
			name:   "sequence step",
			source: TypeSequence,
			rec: ProviderRecord{Payload: json.RawMessage(`{
				"step_id":"s-1","recipient_email":"x@y.io","sent_at":"2024-03-01T10:00:00Z"}`)},
			wantID:   "s-1",
			wantType: "step",
			wantIDs:  []string{"email/recipient/x@y.io"},
		},
		{
			name:    "malformed json",
			source:  TypeCRM,
			rec:     ProviderRecord{ID: "C2", Payload: json.RawMessage(`{"emails":`)},
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			source:  TypeTelephony,
			rec:     ProviderRecord{Payload: json.RawMessage(`{"call_id":"c"}`)},
			wantErr: true,
		},
		{
			name:    "missing id",
			source:  TypeSequence,
			rec:     ProviderRecord{Payload: json.RawMessage(`{"sent_at":"2024-03-01T10:00:00Z"}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr[tt.source].Transform(tt.rec)
			if tt.wantErr {
				var te *TransformError
				require.ErrorAs(t, err, &te)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.source, got.Record.SourceType)
			assert.Equal(t, tt.wantID, got.Record.SourceID)
			assert.Equal(t, tt.wantType, got.Record.RecordType)
			assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), got.Record.OccurredAt)
			assert.Equal(t, tt.wantIDs, rawIDs(got))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit retryable", Retryable("rate limited", nil), true},
		{"wrapped retryable", fmt.Errorf("page 3: %w", Retryable("503", errors.New("unavailable"))), true},
		{"explicit fatal", Fatal("unauthorized", nil), false},
		{"fatal wrapping timeout", Fatal("schema", context.DeadlineExceeded), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("x: %w", &RetryableError{Reason: "429", RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, RetryAfterHint(err))
	assert.Zero(t, RetryAfterHint(errors.New("y")))
}

func TestFilter(t *testing.T) {
	f, err := NewFilter(`record.kind == "call" && record.payload.duration_seconds > 0.0`)
	require.NoError(t, err)

	call := ProviderRecord{Kind: "call", Payload: json.RawMessage(`{"duration_seconds":12}`)}
	ok, err := f.Include(TypeTelephony, call)
	require.NoError(t, err)
	assert.True(t, ok)

	missed := ProviderRecord{Kind: "call", Payload: json.RawMessage(`{"duration_seconds":0}`)}
	ok, err = f.Include(TypeTelephony, missed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilter_SourceType(t *testing.T) {
	f, err := NewFilter(`record.source_type == "crm"`)
	require.NoError(t, err)

	ok, err := f.Include(TypeCRM, ProviderRecord{ID: "1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilter_NilIncludesAll(t *testing.T) {
	f, err := NewFilter("")
	require.NoError(t, err)
	assert.Nil(t, f)

	ok, err := f.Include(TypeCRM, ProviderRecord{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilter_RejectsNonBool(t *testing.T) {
	_, err := NewFilter(`record.id`)
	assert.Error(t, err)

	_, err = NewFilter(`record.id ==`)
	assert.Error(t, err)
}

func TestParseTypeAndMode(t *testing.T) {
	st, err := ParseType("telephony")
	require.NoError(t, err)
	assert.Equal(t, TypeTelephony, st)
	_, err = ParseType("fax")
	assert.Error(t, err)

	m, err := ParseMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)
	_, err = ParseMode("partial")
	assert.Error(t, err)

	assert.True(t, identity.KindEmail.Valid())
}
