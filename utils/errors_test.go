package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *HarukiSekaiError
		want string
	}{
		{NewSessionError(), "Session expired"},
		{NewCookieExpiredError(), "Cookie expired"},
		{NewUpgradeRequiredError(), "Upgrade required"},
		{NewUnderMaintenanceError(), "Server under maintenance"},
		{NewSignatureError(), "Invalid signature"},
		{NewNoAccountError(), "No accounts configured"},
		{NewNoClientAvailableError(), "No client available"},
		{NewInvalidServerRegionError("xx"), "Invalid server region: xx"},
		{NewInvalidHttpStatusError(418), "Invalid HTTP status: 418"},
		{NewCryptoError("boom"), "Crypto error: boom"},
		{NewParseError("boom"), "Parse error: boom"},
		{NewNetworkError("boom"), "Network error: boom"},
		{NewDatabaseError("boom"), "Database error: boom"},
		{NewRedisError("boom"), "Redis error: boom"},
		{NewIoError("boom"), "IO error: boom"},
		{NewAuthError("boom"), "Authentication error: boom"},
		{NewNotFoundError("boom"), "Not found: boom"},
		{NewForbiddenError("boom"), "Forbidden: boom"},
		{NewInternalError("boom"), "Internal error: boom"},
		{NewSekaiUnknownClientException(502, "oops"), "Unknown error: status=502, body=oops"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  *HarukiSekaiError
		want int
	}{
		{NewSessionError(), 403},
		{NewCookieExpiredError(), 403},
		{NewForbiddenError("x"), 403},
		{NewUpgradeRequiredError(), 426},
		{NewUnderMaintenanceError(), 503},
		{NewNoClientAvailableError(), 503},
		{NewNoAccountError(), 503},
		{NewInvalidServerRegionError("x"), 400},
		{NewParseError("x"), 400},
		{NewAuthError("x"), 401},
		{NewNotFoundError("x"), 404},
		{NewCryptoError("x"), 500},
		{NewNetworkError("x"), 500},
		{NewSignatureError(), 500},
		{NewInvalidHttpStatusError(1), 500},
		{NewDatabaseError("x"), 500},
		{NewRedisError("x"), 500},
		{NewIoError("x"), 500},
		{NewInternalError("x"), 500},
		{NewSekaiUnknownClientException(1, ""), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.HTTPStatus(), tt.err.Message)
	}
}

func TestAsHarukiSekaiErrorUnwraps(t *testing.T) {
	base := NewSessionError()
	wrapped := fmt.Errorf("call failed: %w", base)

	he, ok := AsHarukiSekaiError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrKindSessionError, he.Kind)
	assert.True(t, IsErrorKind(wrapped, ErrKindSessionError))
	assert.False(t, IsErrorKind(wrapped, ErrKindNetworkError))

	_, ok = AsHarukiSekaiError(fmt.Errorf("plain"))
	assert.False(t, ok)
}
