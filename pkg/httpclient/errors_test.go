package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/meridianhq/sagaflow/pkg/errors"
)

func responseWith(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseResponseError_StandardEnvelope_NotFound(t *testing.T) {
	resp := responseWith(http.StatusNotFound, `{"error":{"code":"NOT_FOUND","message":"reservation missing"}}`)

	err := ParseResponseError(resp, "inventory")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Contains(t, err.Error(), "inventory")
}

func TestParseResponseError_StandardEnvelope_Conflict(t *testing.T) {
	resp := responseWith(http.StatusConflict, `{"error":{"code":"CONFLICT","message":"already reserved"}}`)

	err := ParseResponseError(resp, "inventory")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Contains(t, err.Error(), "already reserved")
}

func TestParseResponseError_StandardEnvelope_BadRequest(t *testing.T) {
	resp := responseWith(http.StatusBadRequest, `{"error":{"code":"INVALID_INPUT","message":"sku is required"}}`)

	err := ParseResponseError(resp, "inventory")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestParseResponseError_StandardEnvelope_ServiceUnavailable(t *testing.T) {
	resp := responseWith(http.StatusServiceUnavailable, `{"error":{"code":"SERVICE_UNAVAILABLE","message":"maintenance"}}`)

	err := ParseResponseError(resp, "payment")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrServiceUnavail))
}

func TestParseResponseError_ServerErrorPreservesCode(t *testing.T) {
	resp := responseWith(http.StatusInternalServerError, `{"error":{"code":"INTERNAL_ERROR","message":"db down"}}`)

	err := ParseResponseError(resp, "payment")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment server error")
	assert.Contains(t, err.Error(), "INTERNAL_ERROR")
	assert.Contains(t, err.Error(), "db down")
}

func TestParseResponseError_OtherStatusBecomesAppError(t *testing.T) {
	resp := responseWith(http.StatusUnprocessableEntity, `{"error":{"code":"PAYMENT_FAILED","message":"card declined"}}`)

	err := ParseResponseError(resp, "payment")

	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAYMENT_FAILED", appErr.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, appErr.Status)
}

func TestParseResponseError_NonEnvelopeBody(t *testing.T) {
	resp := responseWith(http.StatusBadGateway, "upstream timeout")

	err := ParseResponseError(resp, "inventory")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "inventory returned status 502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(http.StatusBadRequest))
	assert.True(t, IsClientError(http.StatusNotFound))
	assert.True(t, IsClientError(http.StatusUnprocessableEntity))
	assert.False(t, IsClientError(http.StatusOK))
	assert.False(t, IsClientError(http.StatusInternalServerError))
	assert.False(t, IsClientError(http.StatusBadGateway))
}
