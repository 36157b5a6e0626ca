package resolution

import (
	"context"
	"time"

	"contactsync/internal/core/id"
	"contactsync/internal/domain/identity"
)

// Store persists resolution records.
type Store interface {
	// Active returns nil, nil when the identifier has never been resolved.
	Active(ctx context.Context, ident identity.NormalizedIdentifier) (*Record, error)
	// Supersede deactivates prev (when non-nil) and inserts next atomically.
	// It fails with a conflict when prev is no longer the active record.
	Supersede(ctx context.Context, prev, next *Record) error
	// Touch sets last_verified_at of an active record.
	Touch(ctx context.Context, recordID id.ID, at time.Time) error
	// ScanActive pages through active records in the given tiers ordered by
	// (kind, identifier), starting strictly after the cursor.
	ScanActive(ctx context.Context, tiers []Tier, after Cursor, limit int) ([]Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	History(ctx context.Context, ident identity.NormalizedIdentifier) ([]Record, error)
}

// OverrideStore persists manual overrides.
type OverrideStore interface {
	// Active returns nil, nil when no override exists.
	Active(ctx context.Context, ident identity.NormalizedIdentifier) (*ManualOverride, error)
	// Put replaces any active override for the identifier.
	Put(ctx context.Context, o ManualOverride) error
	// Revoke deactivates the override, reporting whether one existed.
	Revoke(ctx context.Context, ident identity.NormalizedIdentifier) (bool, error)
}

// Metrics observes resolver activity.
type Metrics interface {
	Decided(tier Tier)
	Superseded(from, to Tier)
	ReconcileFinished(res ReconcileResult, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Decided(Tier)                                     {}
func (nopMetrics) Superseded(Tier, Tier)                            {}
func (nopMetrics) ReconcileFinished(ReconcileResult, time.Duration) {}
