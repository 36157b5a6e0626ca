package resolution_repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/resolution"
)

func TestScanQuery_Keyset(t *testing.T) {
	s := NewStore(nil, nil)

	sql, args, err := s.scanQuery(resolution.ReconcilableTiers,
		resolution.Cursor{Kind: identity.KindEmail, Identifier: "m@acme.com"}, 500).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "FROM resolution_records WHERE active = $1 AND confidence_tier IN ($2,$3,$4) AND (kind, identifier) > ($5, $6)")
	assert.Contains(t, sql, "ORDER BY kind, identifier LIMIT 500")
	assert.Equal(t, []any{true, resolution.TierUnmatched, resolution.TierFuzzy, resolution.TierDomain, "email", "m@acme.com"}, args)
}

func TestScanQuery_FirstPage(t *testing.T) {
	s := NewStore(nil, nil)

	_, args, err := s.scanQuery([]resolution.Tier{resolution.TierFuzzy}, resolution.Cursor{}, 10).ToSql()
	require.NoError(t, err)

	// every kind sorts after the empty string
	assert.Equal(t, []any{true, resolution.TierFuzzy, "", ""}, args)
}

func TestListQuery(t *testing.T) {
	s := NewStore(nil, nil)

	sql, args, err := s.listQuery(resolution.ListFilter{Tier: resolution.TierFuzzy, ContactID: "C-1"}).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "WHERE active = $1 AND confidence_tier = $2 AND matched_contact_id = $3")
	assert.Contains(t, sql, "ORDER BY resolved_at DESC, id DESC LIMIT 100")
	assert.Equal(t, []any{true, resolution.TierFuzzy, "C-1"}, args)
}

func TestRevokeQuery(t *testing.T) {
	sql, args, err := revokeQuery(identity.NormalizedIdentifier{Kind: identity.KindPhone, Value: "+15551234567"}).ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		"UPDATE manual_overrides SET active = $1, revoked_at = NOW() WHERE active = $2 AND identifier = $3 AND kind = $4",
		sql)
	assert.Equal(t, []any{false, true, "+15551234567", identity.KindPhone}, args)
}
