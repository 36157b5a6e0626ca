package resolution

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"contactsync/internal/core/apperror"
	"contactsync/internal/core/id"
	"contactsync/internal/domain/directory"
	"contactsync/internal/domain/identity"
)

type memStore struct {
	mu         sync.Mutex
	records    []Record
	scanLimits []int
}

func sameKey(r Record, ident identity.NormalizedIdentifier) bool {
	return r.Kind == ident.Kind && r.Identifier == ident.Value
}

func (s *memStore) Active(_ context.Context, ident identity.NormalizedIdentifier) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Active && sameKey(r, ident) {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (s *memStore) Supersede(_ context.Context, prev, next *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident := next.NormalizedIdentifier()
	for i, r := range s.records {
		if !r.Active || !sameKey(r, ident) {
			continue
		}
		if prev == nil || r.ID != prev.ID {
			return apperror.NewConflict("active resolution changed")
		}
		s.records[i].Active = false
	}
	s.records = append(s.records, *next)
	return nil
}

func (s *memStore) Touch(_ context.Context, recordID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == recordID && r.Active {
			s.records[i].LastVerifiedAt = at
			return nil
		}
	}
	return apperror.NewNotFound("resolution", recordID)
}

func cursorLess(a, b Cursor) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Identifier < b.Identifier
}

func (s *memStore) ScanActive(_ context.Context, tiers []Tier, after Cursor, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanLimits = append(s.scanLimits, limit)
	var out []Record
	for _, r := range s.records {
		c := Cursor{Kind: r.Kind, Identifier: r.Identifier}
		if r.Active && slices.Contains(tiers, r.Tier) && cursorLess(after, c) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		if cursorLess(Cursor{a.Kind, a.Identifier}, Cursor{b.Kind, b.Identifier}) {
			return -1
		}
		return 1
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) List(_ context.Context, f ListFilter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if !r.Active || (f.Tier != "" && r.Tier != f.Tier) || (f.ContactID != "" && r.ContactID() != f.ContactID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) History(_ context.Context, ident identity.NormalizedIdentifier) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if sameKey(s.records[i], ident) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memStore) activeCount(ident identity.NormalizedIdentifier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Active && sameKey(r, ident) {
			n++
		}
	}
	return n
}

type memOverrides struct {
	mu   sync.Mutex
	data map[string]ManualOverride
}

func newMemOverrides() *memOverrides {
	return &memOverrides{data: make(map[string]ManualOverride)}
}

func (m *memOverrides) Active(_ context.Context, ident identity.NormalizedIdentifier) (*ManualOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.data[ident.String()]
	if !ok || !o.Active {
		return nil, nil
	}
	return &o, nil
}

func (m *memOverrides) Put(_ context.Context, o ManualOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(o.Kind)+":"+o.Identifier] = o
	return nil
}

func (m *memOverrides) Revoke(_ context.Context, ident identity.NormalizedIdentifier) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.data[ident.String()]
	if !ok || !o.Active {
		return false, nil
	}
	o.Active = false
	m.data[ident.String()] = o
	return true, nil
}

// brokenDirectory fails every lookup.
type brokenDirectory struct{}

var errDirectoryDown = errors.New("directory unavailable")

func (brokenDirectory) ExactMatches(context.Context, identity.NormalizedIdentifier) ([]directory.Candidate, error) {
	return nil, errDirectoryDown
}

func (brokenDirectory) DomainContacts(context.Context, string) ([]directory.Candidate, error) {
	return nil, errDirectoryDown
}

func (brokenDirectory) FuzzyCandidates(context.Context, identity.NormalizedIdentifier, directory.Query) ([]directory.Candidate, error) {
	return nil, errDirectoryDown
}

func (brokenDirectory) Version(context.Context) (directory.Version, error) {
	return directory.Version{}, errDirectoryDown
}

func mustEmail(raw string) identity.NormalizedIdentifier {
	n, err := identity.NormalizeEmail(raw)
	if err != nil {
		panic(err)
	}
	return n
}

func mustPhone(raw string) identity.NormalizedIdentifier {
	n, err := identity.NormalizePhone(raw, "US")
	if err != nil {
		panic(err)
	}
	return n
}

