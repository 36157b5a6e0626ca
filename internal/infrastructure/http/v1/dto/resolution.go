package dto

import (
	"contactsync/internal/domain/resolution"
	"contactsync/internal/infrastructure/storage/postgres/warehouse_repo"
)

// IdentifierRequest names a raw identifier. Region is used for phone numbers
// without a country code.
type IdentifierRequest struct {
	Kind   string `json:"kind" form:"kind" binding:"required,oneof=email phone"`
	Value  string `json:"value" form:"value" binding:"required"`
	Region string `json:"region" form:"region"`
}

// ResolveRequest is the body of POST /resolve.
type ResolveRequest struct {
	IdentifierRequest
	// DryRun runs the cascade without persisting the decision.
	DryRun bool `json:"dry_run"`
}

// ResolveResponse carries either the persisted record or, for a dry run,
// the bare decision.
type ResolveResponse struct {
	Identifier string               `json:"identifier"`
	Record     *resolution.Record   `json:"record,omitempty"`
	Decision   *resolution.Decision `json:"decision,omitempty"`
}

// ResolutionListQuery filters GET /resolutions.
type ResolutionListQuery struct {
	Tier      string `form:"tier"`
	ContactID string `form:"contact_id"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// ReconcileQuery tunes POST /reconcile. A zero BatchSize uses the configured size.
type ReconcileQuery struct {
	BatchSize int `form:"batch_size" binding:"omitempty,min=1,max=10000"`
}

// OverrideRequest is the body of PUT /overrides.
type OverrideRequest struct {
	IdentifierRequest
	ContactID string `json:"contact_id" binding:"required"`
}

// RecordResponse is a warehouse row plus the contacts its identifiers
// currently resolve to.
type RecordResponse struct {
	*warehouse_repo.StoredRecord
	Contacts []string `json:"contacts"`
}
