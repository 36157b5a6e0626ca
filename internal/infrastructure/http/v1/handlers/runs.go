package handlers

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"

	"contactsync/internal/core/apperror"
	appctx "contactsync/internal/core/context"
	"contactsync/internal/core/id"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	"contactsync/internal/infrastructure/http/v1/dto"
	"contactsync/pkg/logger"
)

// SyncService is the orchestrator surface used by the API.
type SyncService interface {
	RunSync(ctx context.Context, st source.Type, mode source.Mode) (*syncrun.Run, error)
	Watermark(ctx context.Context, st source.Type) (*syncrun.Watermark, error)
	ResetWatermark(ctx context.Context, st source.Type, cursor string) error
}

// RunLedger reads the run ledger.
type RunLedger interface {
	Get(ctx context.Context, runID id.ID) (*syncrun.Run, error)
	List(ctx context.Context, f syncrun.ListFilter) ([]syncrun.Run, error)
}

// RunsHandler serves the run ledger and sync triggers.
type RunsHandler struct {
	*BaseHandler
	sync   SyncService
	ledger RunLedger
	log    *logger.Logger

	// base outlives requests so triggered runs survive the response.
	base context.Context
	wg   sync.WaitGroup
}

// NewRunsHandler creates the handler. Triggered runs are bound to base;
// cancel it and call Wait on shutdown.
func NewRunsHandler(base *BaseHandler, svc SyncService, ledger RunLedger, bg context.Context, log *logger.Logger) *RunsHandler {
	return &RunsHandler{
		BaseHandler: base,
		sync:        svc,
		ledger:      ledger,
		log:         log.WithComponent("http.runs"),
		base:        bg,
	}
}

// Wait blocks until triggered runs have been sealed.
func (h *RunsHandler) Wait() { h.wg.Wait() }

// List handles GET /runs.
func (h *RunsHandler) List(c *gin.Context) {
	var q dto.RunListQuery
	if !h.BindQuery(c, &q) {
		return
	}

	f := syncrun.ListFilter{From: q.From, To: q.To, Limit: q.Limit}
	if q.SourceType != "" {
		st, err := source.ParseType(q.SourceType)
		if err != nil {
			h.Error(c, apperror.NewValidation(err.Error()))
			return
		}
		f.SourceType = st
	}
	if q.Status != "" {
		status, err := syncrun.ParseStatus(q.Status)
		if err != nil {
			h.Error(c, apperror.NewValidation(err.Error()))
			return
		}
		f.Status = status
	}

	runs, err := h.ledger.List(c.Request.Context(), f)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromRuns(runs)))
}

// Get handles GET /runs/:id.
func (h *RunsHandler) Get(c *gin.Context) {
	runID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid run id"))
		return
	}
	run, err := h.ledger.Get(c.Request.Context(), runID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromRun(run))
}

// Trigger handles POST /sources/:type/sync. Without wait the run continues
// after the response; a run already in progress is still reported as 409.
func (h *RunsHandler) Trigger(c *gin.Context) {
	st, ok := h.SourceParam(c)
	if !ok {
		return
	}
	var req dto.TriggerSyncRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}
	mode := source.ModeIncremental
	if req.Mode != "" {
		mode = source.Mode(req.Mode)
	}

	if req.Wait {
		run, err := h.sync.RunSync(c.Request.Context(), st, mode)
		if run != nil {
			h.OK(c, dto.FromRun(run))
			return
		}
		h.Error(c, err)
		return
	}

	running, err := h.ledger.List(c.Request.Context(), syncrun.ListFilter{
		SourceType: st,
		Status:     syncrun.StatusRunning,
		Limit:      1,
	})
	if err != nil {
		h.Error(c, err)
		return
	}
	if len(running) > 0 {
		h.Error(c, apperror.NewRunInProgress(string(st)))
		return
	}

	// keep the caller's identity for the ledger and logs, drop its deadline
	ctx := appctx.WithOperator(h.base, appctx.GetOperator(c.Request.Context()))
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		run, err := h.sync.RunSync(ctx, st, mode)
		if err != nil && run == nil {
			h.log.WithContext(ctx).Warnw("triggered sync rejected", "source_type", st, "error", err)
		}
	}()

	h.Accepted(c, dto.TriggerSyncResponse{SourceType: string(st), Mode: string(mode), Accepted: true})
}

// GetWatermark handles GET /sources/:type/watermark.
func (h *RunsHandler) GetWatermark(c *gin.Context) {
	st, ok := h.SourceParam(c)
	if !ok {
		return
	}
	wm, err := h.sync.Watermark(c.Request.Context(), st)
	if err != nil {
		h.Error(c, err)
		return
	}
	resp := dto.WatermarkResponse{SourceType: string(st), Scope: syncrun.DefaultScope}
	if wm != nil {
		resp.Scope = wm.Scope
		resp.Cursor = wm.Cursor
		resp.UpdatedAt = &wm.UpdatedAt
	}
	h.OK(c, resp)
}

// ResetWatermark handles PUT /sources/:type/watermark.
func (h *RunsHandler) ResetWatermark(c *gin.Context) {
	st, ok := h.SourceParam(c)
	if !ok {
		return
	}
	var req dto.ResetWatermarkRequest
	if !h.BindJSON(c, &req) {
		return
	}
	if err := h.sync.ResetWatermark(c.Request.Context(), st, req.Cursor); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "watermark reset")
}
