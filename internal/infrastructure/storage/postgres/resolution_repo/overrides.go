package resolution_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/resolution"
	"contactsync/internal/infrastructure/storage/postgres"
)

const overridesTable = "manual_overrides"

var _ resolution.OverrideStore = (*OverrideStore)(nil)

// OverrideStore implements resolution.OverrideStore on manual_overrides.
// Revoked overrides stay in the table as history.
type OverrideStore struct {
	txm        *postgres.TxManager
	selectCols []string
}

// NewOverrideStore creates an override store.
func NewOverrideStore(txm *postgres.TxManager) *OverrideStore {
	return &OverrideStore{
		txm:        txm,
		selectCols: postgres.ExtractDBColumns[resolution.ManualOverride](),
	}
}

// Active implements resolution.OverrideStore.
func (s *OverrideStore) Active(ctx context.Context, ident identity.NormalizedIdentifier) (*resolution.ManualOverride, error) {
	sql, args, err := postgres.Builder().
		Select(s.selectCols...).
		From(overridesTable).
		Where(activeWhere(ident)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var o resolution.ManualOverride
	if err := pgxscan.Get(ctx, s.txm.GetQuerier(ctx), &o, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get override: %w", err)
	}
	return &o, nil
}

func revokeQuery(ident identity.NormalizedIdentifier) squirrel.UpdateBuilder {
	return postgres.Builder().
		Update(overridesTable).
		Set("active", false).
		Set("revoked_at", squirrel.Expr("NOW()")).
		Where(activeWhere(ident))
}

// Put implements resolution.OverrideStore.
func (s *OverrideStore) Put(ctx context.Context, o resolution.ManualOverride) error {
	ident := identity.NormalizedIdentifier{Kind: o.Kind, Value: o.Identifier}
	return s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.revoke(ctx, ident); err != nil {
			return err
		}

		sql, args, err := postgres.Builder().
			Insert(overridesTable).
			SetMap(postgres.StructToMap(o)).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		return nil
	})
}

// Revoke implements resolution.OverrideStore.
func (s *OverrideStore) Revoke(ctx context.Context, ident identity.NormalizedIdentifier) (bool, error) {
	return s.revoke(ctx, ident)
}

func (s *OverrideStore) revoke(ctx context.Context, ident identity.NormalizedIdentifier) (bool, error) {
	sql, args, err := revokeQuery(ident).ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("revoke override: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
