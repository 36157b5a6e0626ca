package directory

import (
	"context"
	"strings"
	"sync"
	"time"

	"contactsync/internal/domain/identity"
)

// Snapshot is an in-memory Reader over a fixed set of entries. The CLI uses
// it to dry-run resolution against an exported directory file.
type Snapshot struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewSnapshot builds a Snapshot.
func NewSnapshot(entries ...Entry) *Snapshot {
	s := &Snapshot{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		s.entries[e.ContactID] = e
	}
	return s
}

// Upsert replaces an entry.
func (s *Snapshot) Upsert(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ContactID] = e
}

// Remove deletes an entry.
func (s *Snapshot) Remove(contactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, contactID)
}

func (s *Snapshot) each(fn func(e Entry)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		fn(e)
	}
}

func values(e Entry, kind identity.Kind) []string {
	if kind == identity.KindEmail {
		return e.Emails
	}
	return e.Phones
}

// ExactMatches implements Reader.
func (s *Snapshot) ExactMatches(_ context.Context, id identity.NormalizedIdentifier) ([]Candidate, error) {
	var out []Candidate
	s.each(func(e Entry) {
		for _, v := range values(e, id.Kind) {
			if identity.Canonical(id.Kind, v) == id.Value {
				out = append(out, Candidate{ContactID: e.ContactID, AccountID: e.AccountID, Value: v})
			}
		}
	})
	return out, nil
}

// DomainContacts implements Reader.
func (s *Snapshot) DomainContacts(_ context.Context, domain string) ([]Candidate, error) {
	domain = strings.ToLower(domain)
	var out []Candidate
	s.each(func(e Entry) {
		for _, d := range e.AccountDomains {
			if strings.ToLower(d) == domain {
				out = append(out, Candidate{ContactID: e.ContactID, AccountID: e.AccountID, Value: d})
				return
			}
		}
	})
	return out, nil
}

// FuzzyCandidates implements Reader.
func (s *Snapshot) FuzzyCandidates(_ context.Context, id identity.NormalizedIdentifier, q Query) ([]Candidate, error) {
	var out []Candidate
	s.each(func(e Entry) {
		for _, v := range values(e, id.Kind) {
			c := identity.Canonical(id.Kind, v)
			if id.Kind == identity.KindEmail && q.SameDomainOnly && domainOf(c) != id.Domain() {
				continue
			}
			out = append(out, Candidate{ContactID: e.ContactID, AccountID: e.AccountID, Value: v})
		}
	})
	return out, nil
}

// Version implements Reader.
func (s *Snapshot) Version(_ context.Context) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := Version{Entries: int64(len(s.entries))}
	for _, e := range s.entries {
		if e.UpdatedAt.After(v.UpdatedAt) {
			v.UpdatedAt = e.UpdatedAt
		}
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Unix(0, 0).UTC()
	}
	return v, nil
}

func domainOf(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}
