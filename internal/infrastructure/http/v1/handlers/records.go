package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"contactsync/internal/domain/source"
	"contactsync/internal/infrastructure/http/v1/dto"
	"contactsync/internal/infrastructure/storage/postgres/warehouse_repo"
)

// RecordReader reads warehouse rows.
type RecordReader interface {
	Get(ctx context.Context, st source.Type, sourceID string) (*warehouse_repo.StoredRecord, error)
	ContactsOf(ctx context.Context, st source.Type, sourceID string) ([]string, error)
}

// RecordsHandler serves warehouse rows.
type RecordsHandler struct {
	*BaseHandler
	records RecordReader
}

// NewRecordsHandler creates the handler.
func NewRecordsHandler(base *BaseHandler, records RecordReader) *RecordsHandler {
	return &RecordsHandler{BaseHandler: base, records: records}
}

// Get handles GET /records/:type/:id.
func (h *RecordsHandler) Get(c *gin.Context) {
	st, ok := h.SourceParam(c)
	if !ok {
		return
	}
	sourceID := c.Param("id")

	rec, err := h.records.Get(c.Request.Context(), st, sourceID)
	if err != nil {
		h.Error(c, err)
		return
	}
	contacts, err := h.records.ContactsOf(c.Request.Context(), st, sourceID)
	if err != nil {
		h.Error(c, err)
		return
	}
	if contacts == nil {
		contacts = []string{}
	}
	h.OK(c, dto.RecordResponse{StoredRecord: rec, Contacts: contacts})
}
