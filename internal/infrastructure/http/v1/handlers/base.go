// Package handlers provides HTTP request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"contactsync/internal/core/apperror"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/source"
	"contactsync/internal/infrastructure/http/v1/dto"
)

// BaseHandler provides common handler utilities.
type BaseHandler struct {
	// DefaultRegion normalizes phone numbers given without a region.
	DefaultRegion string
}

// NewBaseHandler creates a new base handler.
func NewBaseHandler(defaultRegion string) *BaseHandler {
	return &BaseHandler{DefaultRegion: defaultRegion}
}

// BindJSON binds and validates JSON request body.
func (h *BaseHandler) BindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		h.Error(c, apperror.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return false
	}
	return true
}

// BindOptionalJSON binds a JSON body when one is present.
func (h *BaseHandler) BindOptionalJSON(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return h.BindJSON(c, obj)
}

// BindQuery binds and validates query parameters.
func (h *BaseHandler) BindQuery(c *gin.Context, obj any) bool {
	if err := c.ShouldBindQuery(obj); err != nil {
		h.Error(c, apperror.NewValidation("invalid query parameters").WithDetail("error", err.Error()))
		return false
	}
	return true
}

// Error registers error on Gin context and aborts request.
// Actual JSON response is produced by middleware.ErrorHandler.
func (h *BaseHandler) Error(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// SourceParam parses the :type path parameter.
func (h *BaseHandler) SourceParam(c *gin.Context) (source.Type, bool) {
	st, err := source.ParseType(c.Param("type"))
	if err != nil {
		h.Error(c, apperror.NewValidation(err.Error()))
		return "", false
	}
	return st, true
}

// Normalize canonicalizes a raw identifier, reporting failures as
// INVALID_IDENTIFIER.
func (h *BaseHandler) Normalize(c *gin.Context, req dto.IdentifierRequest) (identity.NormalizedIdentifier, bool) {
	kind, err := identity.ParseKind(req.Kind)
	if err != nil {
		h.Error(c, apperror.NewValidation(err.Error()))
		return identity.NormalizedIdentifier{}, false
	}
	region := req.Region
	if region == "" {
		region = h.DefaultRegion
	}
	ident, err := identity.Normalize(kind, req.Value, region)
	if err != nil {
		var ne *identity.NormalizationError
		if errors.As(err, &ne) {
			h.Error(c, apperror.NewInvalidIdentifier(string(ne.Kind), ne.Input, ne.Reason))
		} else {
			h.Error(c, err)
		}
		return identity.NormalizedIdentifier{}, false
	}
	return ident, true
}

// OK sends 200 response with data.
func (h *BaseHandler) OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Accepted sends 202 response with data.
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, data)
}

// Success sends success response.
func (h *BaseHandler) Success(c *gin.Context, message string) {
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: message})
}
