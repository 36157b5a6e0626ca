package sync_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	"contactsync/internal/infrastructure/storage/postgres"
)

const watermarksTable = "sync_watermarks"

var _ syncrun.WatermarkStore = (*WatermarkRepo)(nil)

// WatermarkRepo implements syncrun.WatermarkStore on sync_watermarks.
type WatermarkRepo struct {
	txm *postgres.TxManager
}

// NewWatermarkRepo creates a watermark repository.
func NewWatermarkRepo(txm *postgres.TxManager) *WatermarkRepo {
	return &WatermarkRepo{txm: txm}
}

// Get returns nil, nil for a scope that was never synced.
func (r *WatermarkRepo) Get(ctx context.Context, st source.Type, scope string) (*syncrun.Watermark, error) {
	sql, args, err := postgres.Builder().
		Select("source_type", "scope", "cursor", "updated_at").
		From(watermarksTable).
		Where(squirrel.Eq{"source_type": st, "scope": scope}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var wm syncrun.Watermark
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &wm, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	return &wm, nil
}

// putQuery builds the last-writer-wins upsert of a watermark.
func putQuery(wm syncrun.Watermark) squirrel.InsertBuilder {
	return postgres.Builder().
		Insert(watermarksTable).
		Columns("source_type", "scope", "cursor", "updated_at").
		Values(wm.SourceType, wm.Scope, wm.Cursor, wm.UpdatedAt).
		Suffix("ON CONFLICT (source_type, scope) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at")
}

// Put stores wm.
func (r *WatermarkRepo) Put(ctx context.Context, wm syncrun.Watermark) error {
	sql, args, err := putQuery(wm).ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("put watermark: %w", err)
	}
	return nil
}
