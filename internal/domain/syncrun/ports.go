package syncrun

import (
	"context"
	"time"

	"contactsync/internal/core/id"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/source"
)

// Ledger persists runs.
type Ledger interface {
	// Open inserts a running entry.
	Open(ctx context.Context, run *Run) error
	// Seal writes the terminal state. Sealing a run that is not running fails.
	Seal(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID id.ID) (*Run, error)
	List(ctx context.Context, filter ListFilter) ([]Run, error)
	// FailAbandoned seals runs still marked running that started before cutoff.
	FailAbandoned(ctx context.Context, cutoff time.Time, reason string) (int, error)
}

// ListFilter narrows ledger listings. Zero values mean "any".
type ListFilter struct {
	SourceType source.Type
	Status     Status
	// From and To bound started_at; zero values are open.
	From  time.Time
	To    time.Time
	Limit int
}

// WatermarkStore persists resume cursors.
type WatermarkStore interface {
	// Get returns nil, nil when the scope has never been synced.
	Get(ctx context.Context, sourceType source.Type, scope string) (*Watermark, error)
	Put(ctx context.Context, wm Watermark) error
}

// Prepared is a transformed record with its identifiers already normalized.
type Prepared struct {
	Record      source.Record
	Identifiers []identity.NormalizedIdentifier
}

// WriteResult summarizes one idempotent batch upsert.
type WriteResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Failed    []RowError
}

// RecordWriter upserts warehouse rows keyed by (source_type, source_id).
// A failing row is reported in WriteResult.Failed without affecting the
// rest of the batch. A returned error means the batch as a whole could not
// be written.
type RecordWriter interface {
	WriteBatch(ctx context.Context, batch []Prepared) (WriteResult, error)
}

// IdentifierSink receives identifiers seen during a run, typically the resolver.
type IdentifierSink interface {
	ResolveIdentifiers(ctx context.Context, ids []identity.NormalizedIdentifier) error
}

// RunGuard prevents two runs for the same source from overlapping.
// Acquire fails with an apperror RUN_IN_PROGRESS when the source is busy.
type RunGuard interface {
	Acquire(ctx context.Context, sourceType source.Type) (release func(), err error)
}

// Metrics observes orchestrator activity.
type Metrics interface {
	RunSealed(run *Run)
	FetchRetried(sourceType source.Type)
}

type nopMetrics struct{}

func (nopMetrics) RunSealed(*Run)           {}
func (nopMetrics) FetchRetried(source.Type) {}
