// Package warehouse_repo writes transformed source records and their
// identifier back-references.
package warehouse_repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"contactsync/internal/core/apperror"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	"contactsync/internal/infrastructure/storage/postgres"
)

const (
	recordsTable     = "source_records"
	identifiersTable = "source_record_identifiers"
)

var _ syncrun.RecordWriter = (*RecordRepo)(nil)

var recordsSpec = postgres.UpsertSpec{
	Table:      recordsTable,
	KeyColumns: []string{"source_type", "source_id"},
	HashColumn: "content_hash",
	Touch:      []string{"updated_at = NOW()"},
	Immutable:  []string{"first_seen_at"},
}

// StoredRecord is a warehouse row with its payload decoded.
type StoredRecord struct {
	SourceType  source.Type     `db:"source_type" json:"source_type"`
	SourceID    string          `db:"source_id" json:"source_id"`
	RecordType  string          `db:"record_type" json:"record_type"`
	OccurredAt  time.Time       `db:"occurred_at" json:"occurred_at"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Compressed  []byte          `db:"payload_compressed" json:"-"`
	Algo        string          `db:"compression_algo" json:"-"`
	FirstSeenAt time.Time       `db:"first_seen_at" json:"first_seen_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// RecordRepo implements syncrun.RecordWriter.
type RecordRepo struct {
	txm      *postgres.TxManager
	upserter *postgres.Upserter
	codec    *postgres.PayloadCodec
}

// NewRecordRepo creates a record repository.
func NewRecordRepo(txm *postgres.TxManager, codec *postgres.PayloadCodec) *RecordRepo {
	return &RecordRepo{
		txm:      txm,
		upserter: postgres.NewUpserter(txm),
		codec:    codec,
	}
}

// WriteBatch upserts batch in one transaction with per-row savepoints.
// Rows whose content hash is unchanged are left alone, so replaying a page
// writes nothing.
func (r *RecordRepo) WriteBatch(ctx context.Context, batch []syncrun.Prepared) (syncrun.WriteResult, error) {
	rows := make([]postgres.UpsertRow, len(batch))
	for i := range batch {
		p := batch[i]
		rows[i] = postgres.UpsertRow{
			Values: r.rowValues(p.Record),
			After: func(ctx context.Context, outcome postgres.UpsertOutcome) error {
				if outcome == postgres.OutcomeUnchanged {
					return nil
				}
				return r.replaceIdentifiers(ctx, p.Record, p.Identifiers)
			},
		}
	}

	res, err := r.upserter.UpsertBatch(ctx, recordsSpec, rows)
	if err != nil {
		return syncrun.WriteResult{}, err
	}

	out := syncrun.WriteResult{
		Inserted:  res.Inserted,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, syncrun.RowError{
			SourceID: batch[f.Index].Record.SourceID,
			Err:      f.Err,
		})
	}
	return out, nil
}

func (r *RecordRepo) rowValues(rec source.Record) map[string]any {
	occurred := rec.OccurredAt.UTC()
	enc := r.codec.Encode(rec.Payload)
	return map[string]any{
		"source_type":        rec.SourceType,
		"source_id":          rec.SourceID,
		"record_type":        rec.RecordType,
		"occurred_at":        occurred,
		"payload":            enc.JSON,
		"payload_compressed": enc.Compressed,
		"compression_algo":   enc.Algo,
		"content_hash":       postgres.ContentHash([]byte(rec.RecordType), []byte(occurred.Format(time.RFC3339Nano)), rec.Payload),
		"first_seen_at":      squirrel.Expr("NOW()"),
	}
}

const deleteIdentifiersSQL = `DELETE FROM source_record_identifiers WHERE source_type = $1 AND source_id = $2`

// insertIdentifierSQL links the record to the identifier and copies the
// identifier's current resolution, if any.
const insertIdentifierSQL = `
	INSERT INTO source_record_identifiers (source_type, source_id, kind, identifier, contact_id)
	SELECT $1, $2, $3, $4, (
		SELECT matched_contact_id FROM resolution_records
		WHERE kind = $3 AND identifier = $4 AND active
	)
	ON CONFLICT DO NOTHING`

func (r *RecordRepo) replaceIdentifiers(ctx context.Context, rec source.Record, ids []identity.NormalizedIdentifier) error {
	batch := &pgx.Batch{}
	batch.Queue(deleteIdentifiersSQL, rec.SourceType, rec.SourceID)
	for _, id := range ids {
		batch.Queue(insertIdentifierSQL, rec.SourceType, rec.SourceID, id.Kind, id.Value)
	}

	results := r.txm.GetQuerier(ctx).SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("write identifiers: %w", err)
		}
	}
	return nil
}

// Get returns one stored record with its payload decompressed.
func (r *RecordRepo) Get(ctx context.Context, st source.Type, sourceID string) (*StoredRecord, error) {
	sql, args, err := postgres.Builder().
		Select(postgres.ExtractDBColumns[StoredRecord]()...).
		From(recordsTable).
		Where(squirrel.Eq{"source_type": st, "source_id": sourceID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rec StoredRecord
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("source record", string(st)+"/"+sourceID)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	payload, err := r.codec.Decode(postgres.EncodedPayload{
		JSON:       rec.Payload,
		Compressed: rec.Compressed,
		Algo:       postgres.CompressionAlgo(rec.Algo),
	})
	if err != nil {
		return nil, err
	}
	rec.Payload, rec.Compressed = payload, nil
	return &rec, nil
}

// ContactsOf lists the contacts the record's identifiers currently resolve to.
func (r *RecordRepo) ContactsOf(ctx context.Context, st source.Type, sourceID string) ([]string, error) {
	sql, args, err := postgres.Builder().
		Select("DISTINCT contact_id").
		From(identifiersTable).
		Where(squirrel.Eq{"source_type": st, "source_id": sourceID}).
		Where(squirrel.NotEq{"contact_id": nil}).
		OrderBy("contact_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var contacts []string
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &contacts, sql, args...); err != nil {
		return nil, fmt.Errorf("list record contacts: %w", err)
	}
	return contacts, nil
}
