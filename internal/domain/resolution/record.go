// Package resolution links normalized identifiers to directory contacts
// through a strict precedence of tiers, and periodically re-scores weak
// links as the directory grows.
package resolution

import (
	"time"

	"github.com/shopspring/decimal"

	"contactsync/internal/core/id"
	"contactsync/internal/domain/identity"
)

// Tier is the confidence class of a decision.
type Tier string

const (
	TierManual    Tier = "manual"
	TierExact     Tier = "exact"
	TierDomain    Tier = "domain"
	TierFuzzy     Tier = "fuzzy"
	TierUnmatched Tier = "unmatched"
)

var tierRank = map[Tier]int{
	TierManual:    5,
	TierExact:     4,
	TierDomain:    3,
	TierFuzzy:     2,
	TierUnmatched: 1,
}

// Rank orders tiers: manual > exact > domain > fuzzy > unmatched.
func (t Tier) Rank() int { return tierRank[t] }

// Outranks reports whether t is strictly more confident than o.
func (t Tier) Outranks(o Tier) bool { return t.Rank() > o.Rank() }

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.Rank() > 0 }

// ReconcilableTiers are re-scored by the reconciler.
var ReconcilableTiers = []Tier{TierUnmatched, TierFuzzy, TierDomain}

// Method names the rule that produced a decision.
type Method string

const (
	MethodManualOverride    Method = "manual_override"
	MethodExactEmail        Method = "exact_email"
	MethodExactPhone        Method = "exact_phone"
	MethodEmailDomain       Method = "email_domain"
	MethodEmailEditDistance Method = "email_edit_distance"
	MethodPhoneSuffix       Method = "phone_suffix"
	MethodNone              Method = "none"
	MethodAmbiguous         Method = "ambiguous"
)

// Record is a resolution outcome. At most one record per identifier is
// active; replaced records are kept inactive for audit.
type Record struct {
	ID               id.ID           `db:"id" json:"id"`
	Kind             identity.Kind   `db:"kind" json:"kind"`
	Identifier       string          `db:"identifier" json:"identifier"`
	MatchedContactID *string         `db:"matched_contact_id" json:"matched_contact_id,omitempty"`
	Tier             Tier            `db:"confidence_tier" json:"confidence_tier"`
	Method           Method          `db:"method" json:"method"`
	Score            decimal.Decimal `db:"score" json:"score"`
	ResolvedAt       time.Time       `db:"resolved_at" json:"resolved_at"`
	LastVerifiedAt   time.Time       `db:"last_verified_at" json:"last_verified_at"`
	Active           bool            `db:"active" json:"active"`
}

// NormalizedIdentifier returns the identifier the record resolves.
func (r *Record) NormalizedIdentifier() identity.NormalizedIdentifier {
	return identity.NormalizedIdentifier{Kind: r.Kind, Value: r.Identifier}
}

// ContactID returns the matched contact or "".
func (r *Record) ContactID() string {
	if r.MatchedContactID == nil {
		return ""
	}
	return *r.MatchedContactID
}

// Decision returns the decision the record persisted.
func (r *Record) Decision() Decision {
	return Decision{Tier: r.Tier, ContactID: r.ContactID(), Method: r.Method, Score: r.Score}
}

// ManualOverride pins an identifier to a contact.
type ManualOverride struct {
	ID              id.ID         `db:"id" json:"id"`
	Kind            identity.Kind `db:"kind" json:"kind"`
	Identifier      string        `db:"identifier" json:"identifier"`
	TargetContactID string        `db:"target_contact_id" json:"target_contact_id"`
	CreatedBy       string        `db:"created_by" json:"created_by"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	Active          bool          `db:"active" json:"active"`
}

// Decision is the outcome of the tier cascade before it is persisted.
type Decision struct {
	Tier      Tier            `json:"tier"`
	ContactID string          `json:"contact_id,omitempty"`
	Method    Method          `json:"method"`
	Score     decimal.Decimal `json:"score"`
}

// Matched reports whether the decision names a contact.
func (d Decision) Matched() bool { return d.ContactID != "" }

// SameOutcome reports whether r already records d.
func (d Decision) SameOutcome(r *Record) bool {
	if r == nil {
		return false
	}
	return r.Tier == d.Tier &&
		r.Method == d.Method &&
		r.ContactID() == d.ContactID &&
		r.Score.Equal(d.Score)
}

func (d Decision) record(ident identity.NormalizedIdentifier, at time.Time) *Record {
	rec := &Record{
		ID:             id.New(),
		Kind:           ident.Kind,
		Identifier:     ident.Value,
		Tier:           d.Tier,
		Method:         d.Method,
		Score:          d.Score,
		ResolvedAt:     at,
		LastVerifiedAt: at,
		Active:         true,
	}
	if d.ContactID != "" {
		cid := d.ContactID
		rec.MatchedContactID = &cid
	}
	return rec
}

// Cursor is a keyset position over active records.
type Cursor struct {
	Kind       identity.Kind
	Identifier string
}

// ListFilter narrows record listings for the ops API.
type ListFilter struct {
	Tier      Tier
	ContactID string
	Limit     int
}
