// Package source describes external providers: the records they emit, the
// adapters that page through them, and the transforms into warehouse rows.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"contactsync/internal/domain/identity"
)

// Type identifies a provider.
type Type string

const (
	TypeMailbox   Type = "mailbox"
	TypeCRM       Type = "crm"
	TypeTelephony Type = "telephony"
	TypeSequence  Type = "sequence"
)

// ParseType validates a provider name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeMailbox, TypeCRM, TypeTelephony, TypeSequence:
		return t, nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// Mode selects whether a run resumes from the stored watermark.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode validates a sync mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeIncremental:
		return m, nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

// ProviderRecord is one raw item returned by a provider. Kind selects the
// payload schema within a source (e.g. "message", "contact", "call").
type ProviderRecord struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Page is one batch from an adapter. An empty NextCursor means the stream is
// exhausted. Watermark, when set, is the resume point covering every record
// up to and including this page.
type Page struct {
	Records    []ProviderRecord
	NextCursor string
	Watermark  string
}

// Adapter fetches pages from one provider.
type Adapter interface {
	SourceType() Type
	// FetchPage returns the page that starts at cursor. An empty cursor means
	// "from the beginning". Errors should be wrapped with Retryable or Fatal.
	FetchPage(ctx context.Context, cursor string, mode Mode) (Page, error)
}

// CursorOrderer is implemented by adapters whose cursors are totally ordered.
// Compare returns <0, 0, >0 like strings.Compare.
type CursorOrderer interface {
	CompareCursors(a, b string) int
}

// Record is the normalized warehouse row for one provider record.
type Record struct {
	SourceType Type            `json:"source_type"`
	SourceID   string          `json:"source_id"`
	RecordType string          `json:"record_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// RawIdentifier is an identifier exactly as the provider reported it.
type RawIdentifier struct {
	Kind  identity.Kind
	Value string
	// Role describes where it appeared ("from", "to", "recipient", ...).
	Role string
}

// Transformed is a warehouse row plus the identifiers it references.
type Transformed struct {
	Record      Record
	Identifiers []RawIdentifier
}
