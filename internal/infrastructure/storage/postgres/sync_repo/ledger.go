// Package sync_repo stores the run ledger and per-source watermarks.
package sync_repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"contactsync/internal/core/apperror"
	"contactsync/internal/core/id"
	"contactsync/internal/domain/syncrun"
	"contactsync/internal/infrastructure/storage/postgres"
)

const (
	runsTable = "sync_runs"
	// oneRunningIndex is the partial unique index allowing a single running
	// row per source type.
	oneRunningIndex = "sync_runs_one_running"
)

var _ syncrun.Ledger = (*LedgerRepo)(nil)

// runSealedEvent is the outbox payload of a sealed run.
type runSealedEvent struct {
	RunID         id.ID          `json:"run_id"`
	SourceType    string         `json:"source_type"`
	Status        syncrun.Status `json:"status"`
	RowsProcessed int            `json:"rows_processed"`
	RowsFailed    int            `json:"rows_failed"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// LedgerRepo implements syncrun.Ledger on sync_runs.
type LedgerRepo struct {
	txm        *postgres.TxManager
	outbox     *postgres.OutboxPublisher
	selectCols []string
}

// NewLedgerRepo creates a ledger repository. outbox may be nil.
func NewLedgerRepo(txm *postgres.TxManager, outbox *postgres.OutboxPublisher) *LedgerRepo {
	return &LedgerRepo{
		txm:        txm,
		outbox:     outbox,
		selectCols: postgres.ExtractDBColumns[syncrun.Run](),
	}
}

// Open inserts a running row. The database rejects a second running row for
// the same source, which surfaces as RUN_IN_PROGRESS.
func (r *LedgerRepo) Open(ctx context.Context, run *syncrun.Run) error {
	sql, args, err := postgres.Builder().
		Insert(runsTable).
		SetMap(postgres.StructToMap(run)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		if postgres.IsUniqueViolation(err, oneRunningIndex) {
			return apperror.NewRunInProgress(string(run.SourceType))
		}
		return fmt.Errorf("insert %s: %w", runsTable, err)
	}
	return nil
}

// sealUpdate builds the guarded terminal update of a run.
func sealUpdate(run *syncrun.Run) squirrel.UpdateBuilder {
	return postgres.Builder().
		Update(runsTable).
		SetMap(map[string]any{
			"status":          run.Status,
			"completed_at":    run.CompletedAt,
			"rows_processed":  run.RowsProcessed,
			"rows_failed":     run.RowsFailed,
			"rows_skipped":    run.RowsSkipped,
			"pages_fetched":   run.PagesFetched,
			"retries":         run.Retries,
			"error_summary":   run.ErrorSummary,
			"watermark_after": run.WatermarkAfter,
		}).
		Where(squirrel.Eq{"run_id": run.ID, "status": syncrun.StatusRunning})
}

// Seal writes the terminal state and queues a sync_run.sealed event.
func (r *LedgerRepo) Seal(ctx context.Context, run *syncrun.Run) error {
	if !run.Status.IsTerminal() {
		return apperror.NewValidation(fmt.Sprintf("cannot seal run with status %q", run.Status))
	}

	sql, args, err := sealUpdate(run).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	return r.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("seal run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := r.Get(ctx, run.ID); err != nil {
				return err
			}
			return apperror.NewConflict(fmt.Sprintf("run %s is already sealed", run.ID))
		}
		return r.publishSealed(ctx, *run)
	})
}

func (r *LedgerRepo) publishSealed(ctx context.Context, runs ...syncrun.Run) error {
	if r.outbox == nil || len(runs) == 0 {
		return nil
	}
	events := make([]postgres.Event, 0, len(runs))
	for _, run := range runs {
		events = append(events, postgres.Event{
			AggregateType: "sync_run",
			AggregateID:   run.ID,
			EventType:     postgres.EventRunSealed,
			Payload: runSealedEvent{
				RunID:         run.ID,
				SourceType:    string(run.SourceType),
				Status:        run.Status,
				RowsProcessed: run.RowsProcessed,
				RowsFailed:    run.RowsFailed,
				CompletedAt:   run.CompletedAt,
			},
		})
	}
	return r.outbox.Publish(ctx, events...)
}

// Get returns one run.
func (r *LedgerRepo) Get(ctx context.Context, runID id.ID) (*syncrun.Run, error) {
	sql, args, err := postgres.Builder().
		Select(r.selectCols...).
		From(runsTable).
		Where(squirrel.Eq{"run_id": runID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var run syncrun.Run
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &run, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("sync run", runID.String())
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// listQuery builds the newest-first ledger listing.
func (r *LedgerRepo) listQuery(f syncrun.ListFilter) squirrel.SelectBuilder {
	q := postgres.Builder().
		Select(r.selectCols...).
		From(runsTable).
		OrderBy("started_at DESC", "run_id DESC").
		Limit(postgres.ClampLimit(f.Limit, 50, 500))
	if f.SourceType != "" {
		q = q.Where(squirrel.Eq{"source_type": f.SourceType})
	}
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": f.Status})
	}
	if !f.From.IsZero() {
		q = q.Where(squirrel.GtOrEq{"started_at": f.From})
	}
	if !f.To.IsZero() {
		q = q.Where(squirrel.Lt{"started_at": f.To})
	}
	return q
}

// List returns runs newest first.
func (r *LedgerRepo) List(ctx context.Context, f syncrun.ListFilter) ([]syncrun.Run, error) {
	sql, args, err := r.listQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var runs []syncrun.Run
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &runs, sql, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// FailAbandoned seals stale running rows as failed and queues their events.
func (r *LedgerRepo) FailAbandoned(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	sql, args, err := postgres.Builder().
		Update(runsTable).
		Set("status", syncrun.StatusFailed).
		Set("completed_at", squirrel.Expr("NOW()")).
		Set("error_summary", reason).
		Where(squirrel.Eq{"status": syncrun.StatusRunning}).
		Where(squirrel.Lt{"started_at": cutoff}).
		Suffix("RETURNING " + strings.Join(r.selectCols, ", ")).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}

	var sealed []syncrun.Run
	err = r.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &sealed, sql, args...); err != nil {
			return fmt.Errorf("fail abandoned runs: %w", err)
		}
		return r.publishSealed(ctx, sealed...)
	})
	if err != nil {
		return 0, err
	}
	return len(sealed), nil
}
