package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// UpsertOutcome reports what an upsert did to a row.
type UpsertOutcome int

const (
	OutcomeUnchanged UpsertOutcome = iota
	OutcomeInserted
	OutcomeUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// UpsertSpec describes an idempotent keyed upsert into Table. A conflicting
// row is rewritten only when HashColumn differs, so replaying identical
// content is a no-op.
type UpsertSpec struct {
	Table      string
	KeyColumns []string
	HashColumn string
	// Touch lists extra assignments applied on update, e.g. "updated_at = NOW()".
	Touch []string
	// Immutable columns keep their first written value on update.
	Immutable []string
}

// Build renders the statement for one row.
func (s UpsertSpec) Build(values map[string]any) (string, []any, error) {
	if len(s.KeyColumns) == 0 || s.HashColumn == "" {
		return "", nil, fmt.Errorf("upsert %s: key and hash columns are required", s.Table)
	}

	skip := make(map[string]bool, len(s.KeyColumns)+len(s.Immutable))
	for _, c := range s.KeyColumns {
		skip[c] = true
	}
	for _, c := range s.Immutable {
		skip[c] = true
	}

	cols := make([]string, 0, len(values))
	for c := range values {
		if !skip[c] {
			cols = append(cols, c)
		}
	}
	// squirrel sorts SetMap columns; match that for stable SQL
	slices.Sort(cols)

	sets := make([]string, 0, len(cols)+len(s.Touch))
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	sets = append(sets, s.Touch...)

	suffix := fmt.Sprintf(
		"ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s IS DISTINCT FROM EXCLUDED.%s RETURNING (xmax = 0) AS inserted",
		strings.Join(s.KeyColumns, ", "),
		strings.Join(sets, ", "),
		s.Table, s.HashColumn, s.HashColumn,
	)

	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert(s.Table).
		SetMap(values).
		Suffix(suffix).
		ToSql()
}

// UpsertRow is one row of a batch. After runs inside the row's savepoint
// once the row is written and can maintain dependent tables.
type UpsertRow struct {
	Values map[string]any
	After  func(ctx context.Context, outcome UpsertOutcome) error
}

// RowFailure is a row rejected by the database.
type RowFailure struct {
	Index int
	Err   error
}

// UpsertResult summarizes a batch.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Failed    []RowFailure
}

// Upserter writes batches with per-row isolation.
type Upserter struct {
	txm *TxManager
}

// NewUpserter creates an upserter.
func NewUpserter(txm *TxManager) *Upserter {
	return &Upserter{txm: txm}
}

// UpsertBatch writes rows in one transaction, each in its own savepoint.
// A row the database rejects is rolled back alone and reported in Failed.
// Any other error (connection loss, cancellation) aborts the whole batch.
func (u *Upserter) UpsertBatch(ctx context.Context, spec UpsertSpec, rows []UpsertRow) (UpsertResult, error) {
	var res UpsertResult
	err := u.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		res = UpsertResult{}
		for i, row := range rows {
			var outcome UpsertOutcome
			err := u.txm.RunIsolated(ctx, func(ctx context.Context) error {
				var err error
				outcome, err = u.upsertOne(ctx, spec, row.Values)
				if err != nil {
					return err
				}
				if row.After != nil {
					return row.After(ctx, outcome)
				}
				return nil
			})
			if err != nil {
				if !IsRowError(err) {
					return fmt.Errorf("upsert %s row %d: %w", spec.Table, i, err)
				}
				res.Failed = append(res.Failed, RowFailure{Index: i, Err: err})
				continue
			}
			switch outcome {
			case OutcomeInserted:
				res.Inserted++
			case OutcomeUpdated:
				res.Updated++
			default:
				res.Unchanged++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (u *Upserter) upsertOne(ctx context.Context, spec UpsertSpec, values map[string]any) (UpsertOutcome, error) {
	sql, args, err := spec.Build(values)
	if err != nil {
		return OutcomeUnchanged, err
	}

	var inserted bool
	err = u.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// the hash matched, DO UPDATE ... WHERE filtered the row out
		return OutcomeUnchanged, nil
	case err != nil:
		return OutcomeUnchanged, err
	case inserted:
		return OutcomeInserted, nil
	default:
		return OutcomeUpdated, nil
	}
}

// ErrRowRejected marks row-local validation failures raised before or
// after the SQL statement itself.
var ErrRowRejected = errors.New("row rejected")

// IsRowError reports whether err concerns a single row rather than the
// connection or transaction.
func IsRowError(err error) bool {
	if errors.Is(err, ErrRowRejected) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	// connection, transaction state, rollback, resource and operator classes
	switch pgErr.Code[:2] {
	case "08", "25", "40", "53", "57", "58", "XX":
		return false
	}
	return true
}

