package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewInternal(cause)

	wrapped := fmt.Errorf("open run: %w", err)
	appErr, ok := AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeInternal, appErr.Code)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(wrapped))
}

func TestRunInProgress(t *testing.T) {
	err := fmt.Errorf("start: %w", NewRunInProgress("crm"))

	assert.True(t, IsRunInProgress(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, http.StatusConflict, GetHTTPStatus(err))
}

func TestWithDetail(t *testing.T) {
	err := NewValidation("bad mode").WithDetail("mode", "sideways")
	assert.Equal(t, "sideways", err.Details["mode"])
	assert.Equal(t, "VALIDATION_ERROR: bad mode", err.Error())
}

func TestGetHTTPStatus_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("x")))
}
