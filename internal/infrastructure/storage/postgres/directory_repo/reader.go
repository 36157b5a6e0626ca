// Package directory_repo reads the CRM contact directory replicated into the
// warehouse. The tables are owned by the CRM sync; this package never writes.
package directory_repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"contactsync/internal/domain/directory"
	"contactsync/internal/domain/identity"
	"contactsync/internal/infrastructure/storage/postgres"
)

var _ directory.Reader = (*Reader)(nil)

// Reader implements directory.Reader. crm_contact_identifiers carries a
// generated canonical_value column computed like identity.Canonical.
type Reader struct {
	txm *postgres.TxManager
}

// NewReader creates a directory reader.
func NewReader(txm *postgres.TxManager) *Reader {
	return &Reader{txm: txm}
}

func identifierSelect() squirrel.SelectBuilder {
	return postgres.Builder().
		Select("i.contact_id", "COALESCE(c.account_id, '') AS account_id", "i.value").
		From("crm_contact_identifiers i").
		Join("crm_contacts c ON c.contact_id = i.contact_id").
		Where("c.deleted_at IS NULL").
		OrderBy("i.contact_id", "i.value")
}

func (r *Reader) selectCandidates(ctx context.Context, q squirrel.SelectBuilder) ([]directory.Candidate, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []directory.Candidate
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func exactQuery(id identity.NormalizedIdentifier) squirrel.SelectBuilder {
	return identifierSelect().
		Where(squirrel.Eq{"i.kind": id.Kind, "i.canonical_value": id.Value})
}

// ExactMatches implements directory.Reader.
func (r *Reader) ExactMatches(ctx context.Context, id identity.NormalizedIdentifier) ([]directory.Candidate, error) {
	out, err := r.selectCandidates(ctx, exactQuery(id))
	if err != nil {
		return nil, fmt.Errorf("exact matches: %w", err)
	}
	return out, nil
}

func domainQuery(domain string) squirrel.SelectBuilder {
	return postgres.Builder().
		Select("c.contact_id", "c.account_id", "d.domain AS value").
		From("crm_account_domains d").
		Join("crm_contacts c ON c.account_id = d.account_id").
		Where("c.deleted_at IS NULL").
		Where(squirrel.Eq{"d.domain": strings.ToLower(domain)}).
		OrderBy("c.contact_id")
}

// DomainContacts implements directory.Reader.
func (r *Reader) DomainContacts(ctx context.Context, domain string) ([]directory.Candidate, error) {
	out, err := r.selectCandidates(ctx, domainQuery(domain))
	if err != nil {
		return nil, fmt.Errorf("domain contacts: %w", err)
	}
	return out, nil
}

func fuzzyQuery(id identity.NormalizedIdentifier, q directory.Query) squirrel.SelectBuilder {
	sb := identifierSelect().Where(squirrel.Eq{"i.kind": id.Kind})

	switch id.Kind {
	case identity.KindEmail:
		if q.SameDomainOnly {
			sb = sb.Where(squirrel.Expr("split_part(i.canonical_value, '@', 2) = ?", id.Domain()))
		}
		if q.MaxEditDistance > 0 {
			sb = sb.Where(squirrel.Expr("abs(length(i.canonical_value) - length(?::text)) <= ?", id.Value, q.MaxEditDistance))
		}
	case identity.KindPhone:
		if suffix := id.PhoneSuffix(q.PhoneSuffixDigits); suffix != "" {
			sb = sb.Where(squirrel.Expr("right(ltrim(i.canonical_value, '+'), ?) = ?", q.PhoneSuffixDigits, suffix))
		}
	}
	return sb
}

// FuzzyCandidates implements directory.Reader. Candidates are prefiltered
// in SQL; scoring happens in the resolver.
func (r *Reader) FuzzyCandidates(ctx context.Context, id identity.NormalizedIdentifier, q directory.Query) ([]directory.Candidate, error) {
	out, err := r.selectCandidates(ctx, fuzzyQuery(id, q))
	if err != nil {
		return nil, fmt.Errorf("fuzzy candidates: %w", err)
	}
	return out, nil
}

const versionSQL = `
	SELECT
		(SELECT COUNT(*) FROM crm_contacts WHERE deleted_at IS NULL)
		+ (SELECT COUNT(*) FROM crm_contact_identifiers)
		+ (SELECT COUNT(*) FROM crm_account_domains) AS entries,
		GREATEST(
			(SELECT MAX(updated_at) FROM crm_contacts),
			(SELECT MAX(updated_at) FROM crm_contact_identifiers),
			(SELECT MAX(updated_at) FROM crm_account_domains),
			'epoch'::timestamptz
		) AS updated_at`

// Version implements directory.Reader. Deletions change the counts, edits
// move updated_at.
func (r *Reader) Version(ctx context.Context) (directory.Version, error) {
	var v directory.Version
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &v, versionSQL); err != nil {
		return directory.Version{}, fmt.Errorf("directory version: %w", err)
	}
	return v, nil
}
