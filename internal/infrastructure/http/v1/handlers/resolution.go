package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"contactsync/internal/core/apperror"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/resolution"
	"contactsync/internal/infrastructure/http/v1/dto"
)

// ResolutionService is the resolver surface used by the API.
type ResolutionService interface {
	Decide(ctx context.Context, ident identity.NormalizedIdentifier) (resolution.Decision, error)
	Resolve(ctx context.Context, ident identity.NormalizedIdentifier) (*resolution.Record, error)
	Active(ctx context.Context, ident identity.NormalizedIdentifier) (*resolution.Record, error)
	List(ctx context.Context, f resolution.ListFilter) ([]resolution.Record, error)
	History(ctx context.Context, ident identity.NormalizedIdentifier) ([]resolution.Record, error)
	SetOverride(ctx context.Context, ident identity.NormalizedIdentifier, contactID string) (*resolution.Record, error)
	RevokeOverride(ctx context.Context, ident identity.NormalizedIdentifier) (*resolution.Record, error)
}

// Reconciler runs a reconcile pass.
type Reconciler interface {
	Reconcile(ctx context.Context, batchSize int) (resolution.ReconcileResult, error)
}

// ResolutionHandler serves resolution endpoints.
type ResolutionHandler struct {
	*BaseHandler
	resolver   ResolutionService
	reconciler Reconciler
}

// NewResolutionHandler creates the handler.
func NewResolutionHandler(base *BaseHandler, resolver ResolutionService, reconciler Reconciler) *ResolutionHandler {
	return &ResolutionHandler{BaseHandler: base, resolver: resolver, reconciler: reconciler}
}

// Resolve handles POST /resolve.
func (h *ResolutionHandler) Resolve(c *gin.Context) {
	var req dto.ResolveRequest
	if !h.BindJSON(c, &req) {
		return
	}
	ident, ok := h.Normalize(c, req.IdentifierRequest)
	if !ok {
		return
	}

	resp := dto.ResolveResponse{Identifier: ident.String()}
	if req.DryRun {
		d, err := h.resolver.Decide(c.Request.Context(), ident)
		if err != nil {
			h.Error(c, err)
			return
		}
		resp.Decision = &d
		h.OK(c, resp)
		return
	}

	rec, err := h.resolver.Resolve(c.Request.Context(), ident)
	if err != nil {
		h.Error(c, err)
		return
	}
	resp.Record = rec
	h.OK(c, resp)
}

// List handles GET /resolutions. With kind and value it returns the active
// record of that identifier; otherwise it lists active records.
func (h *ResolutionHandler) List(c *gin.Context) {
	if c.Query("value") != "" {
		var q dto.IdentifierRequest
		if !h.BindQuery(c, &q) {
			return
		}
		ident, ok := h.Normalize(c, q)
		if !ok {
			return
		}
		rec, err := h.resolver.Active(c.Request.Context(), ident)
		if err != nil {
			h.Error(c, err)
			return
		}
		h.OK(c, dto.NewListResponse([]resolution.Record{*rec}))
		return
	}

	var q dto.ResolutionListQuery
	if !h.BindQuery(c, &q) {
		return
	}
	f := resolution.ListFilter{ContactID: q.ContactID, Limit: q.Limit}
	if q.Tier != "" {
		tier := resolution.Tier(q.Tier)
		if !tier.Valid() {
			h.Error(c, apperror.NewValidation("unknown confidence tier").WithDetail("tier", q.Tier))
			return
		}
		f.Tier = tier
	}
	recs, err := h.resolver.List(c.Request.Context(), f)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(recs))
}

// History handles GET /resolutions/history.
func (h *ResolutionHandler) History(c *gin.Context) {
	var q dto.IdentifierRequest
	if !h.BindQuery(c, &q) {
		return
	}
	ident, ok := h.Normalize(c, q)
	if !ok {
		return
	}
	recs, err := h.resolver.History(c.Request.Context(), ident)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(recs))
}

// PutOverride handles PUT /overrides.
func (h *ResolutionHandler) PutOverride(c *gin.Context) {
	var req dto.OverrideRequest
	if !h.BindJSON(c, &req) {
		return
	}
	ident, ok := h.Normalize(c, req.IdentifierRequest)
	if !ok {
		return
	}
	rec, err := h.resolver.SetOverride(c.Request.Context(), ident, req.ContactID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ResolveResponse{Identifier: ident.String(), Record: rec})
}

// DeleteOverride handles DELETE /overrides?kind=&value=.
func (h *ResolutionHandler) DeleteOverride(c *gin.Context) {
	var q dto.IdentifierRequest
	if !h.BindQuery(c, &q) {
		return
	}
	ident, ok := h.Normalize(c, q)
	if !ok {
		return
	}
	rec, err := h.resolver.RevokeOverride(c.Request.Context(), ident)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ResolveResponse{Identifier: ident.String(), Record: rec})
}

// Reconcile handles POST /reconcile?batch_size=N. The pass runs within the request.
func (h *ResolutionHandler) Reconcile(c *gin.Context) {
	var q dto.ReconcileQuery
	if !h.BindQuery(c, &q) {
		return
	}
	res, err := h.reconciler.Reconcile(c.Request.Context(), q.BatchSize)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}
