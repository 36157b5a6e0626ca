// Package directory is the read-only view of CRM contacts and accounts the
// resolver matches identifiers against.
package directory

import (
	"context"
	"time"

	"contactsync/internal/domain/identity"
)

// Entry is one contact with its identifiers and its account's domains.
type Entry struct {
	ContactID      string    `json:"contact_id"`
	AccountID      string    `json:"account_id"`
	Name           string    `json:"name"`
	Emails         []string  `json:"emails"`
	Phones         []string  `json:"phones"`
	AccountDomains []string  `json:"account_domains"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Candidate is a directory identifier owned by a contact.
type Candidate struct {
	ContactID string `db:"contact_id"`
	AccountID string `db:"account_id"`
	Value     string `db:"value"`
}

// Version fingerprints the directory. It changes whenever entries are added,
// removed or edited.
type Version struct {
	Entries   int64     `db:"entries"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Query bounds candidate retrieval for fuzzy matching.
type Query struct {
	// PhoneSuffixDigits is how many trailing digits must agree.
	PhoneSuffixDigits int
	// SameDomainOnly restricts email candidates to the identifier's domain.
	SameDomainOnly bool
	// MaxEditDistance lets a reader drop emails whose length alone rules them out.
	// Zero disables the length prefilter.
	MaxEditDistance int
}

// Reader looks up contacts. Values are compared in identity.Canonical form.
type Reader interface {
	// ExactMatches returns candidates whose identifier equals id.
	ExactMatches(ctx context.Context, id identity.NormalizedIdentifier) ([]Candidate, error)
	// DomainContacts returns contacts whose account owns domain.
	DomainContacts(ctx context.Context, domain string) ([]Candidate, error)
	// FuzzyCandidates returns identifiers worth scoring against id.
	FuzzyCandidates(ctx context.Context, id identity.NormalizedIdentifier, q Query) ([]Candidate, error)
	Version(ctx context.Context) (Version, error)
}
