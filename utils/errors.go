package utils

import (
	"errors"
	"fmt"
)

type HarukiSekaiErrorKind int

const (
	ErrKindSessionError HarukiSekaiErrorKind = iota
	ErrKindCookieExpired
	ErrKindUpgradeRequired
	ErrKindUnderMaintenance
	ErrKindSignatureError
	ErrKindNoAccountError
	ErrKindNoClientAvailable
	ErrKindInvalidServerRegion
	ErrKindInvalidHttpStatus
	ErrKindCryptoError
	ErrKindParseError
	ErrKindNetworkError
	ErrKindDatabaseError
	ErrKindRedisError
	ErrKindIoError
	ErrKindAuthError
	ErrKindNotFound
	ErrKindForbidden
	ErrKindInternal
	ErrKindUnknown
)

// HarukiSekaiError is the service-wide error type. Upstream response
// classification, crypto failures and auth rejections all surface as
// one of its kinds.
type HarukiSekaiError struct {
	Kind    HarukiSekaiErrorKind
	Message string
}

func (e *HarukiSekaiError) Error() string { return e.Message }

// HTTPStatus maps an error kind to the status served by the public
// HTTP surface.
func (e *HarukiSekaiError) HTTPStatus() int {
	switch e.Kind {
	case ErrKindSessionError, ErrKindCookieExpired, ErrKindForbidden:
		return 403
	case ErrKindUpgradeRequired:
		return 426
	case ErrKindUnderMaintenance, ErrKindNoClientAvailable, ErrKindNoAccountError:
		return 503
	case ErrKindInvalidServerRegion, ErrKindParseError:
		return 400
	case ErrKindAuthError:
		return 401
	case ErrKindNotFound:
		return 404
	default:
		return 500
	}
}

func NewSessionError() *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindSessionError, Message: "Session expired"}
}

func NewCookieExpiredError() *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindCookieExpired, Message: "Cookie expired"}
}

func NewUpgradeRequiredError() *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindUpgradeRequired, Message: "Upgrade required"}
}

func NewUnderMaintenanceError() *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindUnderMaintenance, Message: "Server under maintenance"}
}

func NewSignatureError() *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindSignatureError, Message: "Invalid signature"}
}

func NewNoAccountError() *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindNoAccountError, Message: "No accounts configured"}
}

func NewNoClientAvailableError() *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindNoClientAvailable, Message: "No client available"}
}

func NewInvalidServerRegionError(region string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindInvalidServerRegion, Message: fmt.Sprintf("Invalid server region: %s", region)}
}

func NewInvalidHttpStatusError(code int) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindInvalidHttpStatus, Message: fmt.Sprintf("Invalid HTTP status: %d", code)}
}

func NewCryptoError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindCryptoError, Message: fmt.Sprintf("Crypto error: %s", msg)}
}

func NewParseError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindParseError, Message: fmt.Sprintf("Parse error: %s", msg)}
}

func NewNetworkError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindNetworkError, Message: fmt.Sprintf("Network error: %s", msg)}
}

func NewDatabaseError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindDatabaseError, Message: fmt.Sprintf("Database error: %s", msg)}
}

func NewRedisError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindRedisError, Message: fmt.Sprintf("Redis error: %s", msg)}
}

func NewIoError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindIoError, Message: fmt.Sprintf("IO error: %s", msg)}
}

func NewAuthError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindAuthError, Message: fmt.Sprintf("Authentication error: %s", msg)}
}

func NewNotFoundError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindNotFound, Message: fmt.Sprintf("Not found: %s", msg)}
}

func NewForbiddenError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindForbidden, Message: fmt.Sprintf("Forbidden: %s", msg)}
}

func NewInternalError(msg string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindInternal, Message: fmt.Sprintf("Internal error: %s", msg)}
}

func NewSekaiUnknownClientException(status int, body string) *HarukiSekaiError {
	return &HarukiSekaiError{Kind: ErrKindUnknown, Message: fmt.Sprintf("Unknown error: status=%d, body=%s", status, body)}
}

// AsHarukiSekaiError unwraps err down to a *HarukiSekaiError if one is
// in the chain.
func AsHarukiSekaiError(err error) (*HarukiSekaiError, bool) {
	var he *HarukiSekaiError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

func IsErrorKind(err error, kind HarukiSekaiErrorKind) bool {
	if he, ok := AsHarukiSekaiError(err); ok {
		return he.Kind == kind
	}
	return false
}
