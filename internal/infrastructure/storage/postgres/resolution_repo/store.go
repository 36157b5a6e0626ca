// Package resolution_repo persists resolution records and manual overrides.
package resolution_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"contactsync/internal/core/apperror"
	"contactsync/internal/core/id"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/resolution"
	"contactsync/internal/infrastructure/storage/postgres"
)

const (
	recordsTable = "resolution_records"
	// oneActiveIndex allows a single active record per identifier.
	oneActiveIndex = "resolution_records_one_active"
)

var _ resolution.Store = (*Store)(nil)

// changedEvent is the outbox payload of a superseded resolution.
type changedEvent struct {
	Kind              identity.Kind     `json:"kind"`
	Identifier        string            `json:"identifier"`
	ContactID         *string           `json:"contact_id"`
	Tier              resolution.Tier   `json:"confidence_tier"`
	Method            resolution.Method `json:"method"`
	Score             decimal.Decimal   `json:"score"`
	PreviousContactID *string           `json:"previous_contact_id,omitempty"`
	PreviousTier      resolution.Tier   `json:"previous_tier,omitempty"`
	ResolvedAt        time.Time         `json:"resolved_at"`
}

// Store implements resolution.Store on resolution_records.
type Store struct {
	txm        *postgres.TxManager
	outbox     *postgres.OutboxPublisher
	selectCols []string
}

// NewStore creates a resolution store. outbox may be nil.
func NewStore(txm *postgres.TxManager, outbox *postgres.OutboxPublisher) *Store {
	return &Store{
		txm:        txm,
		outbox:     outbox,
		selectCols: postgres.ExtractDBColumns[resolution.Record](),
	}
}

func (s *Store) baseSelect() squirrel.SelectBuilder {
	return postgres.Builder().Select(s.selectCols...).From(recordsTable)
}

func (s *Store) selectRecords(ctx context.Context, q squirrel.SelectBuilder) ([]resolution.Record, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []resolution.Record
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func activeWhere(ident identity.NormalizedIdentifier) squirrel.Eq {
	return squirrel.Eq{"kind": ident.Kind, "identifier": ident.Value, "active": true}
}

// Active implements resolution.Store.
func (s *Store) Active(ctx context.Context, ident identity.NormalizedIdentifier) (*resolution.Record, error) {
	sql, args, err := s.baseSelect().Where(activeWhere(ident)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rec resolution.Record
	if err := pgxscan.Get(ctx, s.txm.GetQuerier(ctx), &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active resolution: %w", err)
	}
	return &rec, nil
}

// Supersede implements resolution.Store. It also repoints the identifier
// back-references of warehouse records and queues resolution.changed.
func (s *Store) Supersede(ctx context.Context, prev, next *resolution.Record) error {
	return s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.txm.GetQuerier(ctx)

		if prev != nil {
			tag, err := q.Exec(ctx, `
				UPDATE resolution_records SET active = false, superseded_at = NOW()
				WHERE id = $1 AND active`, prev.ID)
			if err != nil {
				return fmt.Errorf("deactivate resolution: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return apperror.NewConflict(fmt.Sprintf("resolution %s is no longer active", prev.ID))
			}
		}

		sql, args, err := postgres.Builder().
			Insert(recordsTable).
			SetMap(postgres.StructToMap(next)).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := q.Exec(ctx, sql, args...); err != nil {
			if postgres.IsUniqueViolation(err, oneActiveIndex) {
				return apperror.NewConflict(fmt.Sprintf("%s:%s was resolved concurrently", next.Kind, next.Identifier))
			}
			return fmt.Errorf("insert resolution: %w", err)
		}

		if _, err := q.Exec(ctx, `
			UPDATE source_record_identifiers SET contact_id = $1
			WHERE kind = $2 AND identifier = $3 AND contact_id IS DISTINCT FROM $1`,
			next.MatchedContactID, next.Kind, next.Identifier); err != nil {
			return fmt.Errorf("repoint record identifiers: %w", err)
		}

		return s.publishChanged(ctx, prev, next)
	})
}

func (s *Store) publishChanged(ctx context.Context, prev, next *resolution.Record) error {
	if s.outbox == nil {
		return nil
	}
	ev := changedEvent{
		Kind:       next.Kind,
		Identifier: next.Identifier,
		ContactID:  next.MatchedContactID,
		Tier:       next.Tier,
		Method:     next.Method,
		Score:      next.Score,
		ResolvedAt: next.ResolvedAt,
	}
	if prev != nil {
		ev.PreviousContactID = prev.MatchedContactID
		ev.PreviousTier = prev.Tier
	}
	return s.outbox.Publish(ctx, postgres.Event{
		AggregateType: "resolution",
		AggregateID:   next.ID,
		EventType:     postgres.EventResolutionChanged,
		Payload:       ev,
	})
}

// Touch implements resolution.Store.
func (s *Store) Touch(ctx context.Context, recordID id.ID, at time.Time) error {
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, `
		UPDATE resolution_records SET last_verified_at = $1 WHERE id = $2 AND active`, at, recordID)
	if err != nil {
		return fmt.Errorf("touch resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConflict(fmt.Sprintf("resolution %s is no longer active", recordID))
	}
	return nil
}

func (s *Store) scanQuery(tiers []resolution.Tier, after resolution.Cursor, limit int) squirrel.SelectBuilder {
	return s.baseSelect().
		Where(squirrel.Eq{"active": true, "confidence_tier": tiers}).
		Where(squirrel.Expr("(kind, identifier) > (?, ?)", string(after.Kind), after.Identifier)).
		OrderBy("kind", "identifier").
		Limit(uint64(limit))
}

// ScanActive implements resolution.Store with keyset pagination.
func (s *Store) ScanActive(ctx context.Context, tiers []resolution.Tier, after resolution.Cursor, limit int) ([]resolution.Record, error) {
	out, err := s.selectRecords(ctx, s.scanQuery(tiers, after, limit))
	if err != nil {
		return nil, fmt.Errorf("scan active resolutions: %w", err)
	}
	return out, nil
}

func (s *Store) listQuery(f resolution.ListFilter) squirrel.SelectBuilder {
	q := s.baseSelect().
		Where(squirrel.Eq{"active": true}).
		OrderBy("resolved_at DESC", "id DESC").
		Limit(postgres.ClampLimit(f.Limit, 100, 1000))
	if f.Tier != "" {
		q = q.Where(squirrel.Eq{"confidence_tier": f.Tier})
	}
	if f.ContactID != "" {
		q = q.Where(squirrel.Eq{"matched_contact_id": f.ContactID})
	}
	return q
}

// List implements resolution.Store.
func (s *Store) List(ctx context.Context, f resolution.ListFilter) ([]resolution.Record, error) {
	out, err := s.selectRecords(ctx, s.listQuery(f))
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	return out, nil
}

// History implements resolution.Store.
func (s *Store) History(ctx context.Context, ident identity.NormalizedIdentifier) ([]resolution.Record, error) {
	out, err := s.selectRecords(ctx, s.baseSelect().
		Where(squirrel.Eq{"kind": ident.Kind, "identifier": ident.Value}).
		OrderBy("resolved_at DESC", "id DESC"))
	if err != nil {
		return nil, fmt.Errorf("resolution history: %w", err)
	}
	return out, nil
}
