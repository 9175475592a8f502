package model

import (
	"errors"
	"fmt"
)

// Error codes returned to the console. Transport maps each to an HTTP status.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrPreconditionFailed = "PRECONDITION_FAILED"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendRejected    = "BACKEND_REJECTED"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Messages used when a constructor is given none.
var defaultMessages = map[string]string{
	ErrValidationError:    "One or more fields are invalid",
	ErrRateLimited:        "Rate limit exceeded. Please try again later.",
	ErrInternalError:      "An unexpected error occurred",
	ErrBackendRejected:    "The backend rejected the request",
	ErrBackendUnavailable: "The backend service is temporarily unavailable",
	ErrBackendTimeout:     "The backend service did not respond in time",
}

// ErrorEnvelope is the body of every error response. It is also the error
// value passed between packages, so handlers can render any failure without
// knowing where it came from.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError is one invalid field of a submitted record.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newError(code, msg string) *ErrorEnvelope {
	if msg == "" {
		msg = defaultMessages[code]
	}
	return &ErrorEnvelope{Code: code, Message: msg}
}

// AsEnvelope finds the first ErrorEnvelope in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err's envelope carries code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return newError(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newError(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return newError(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return newError(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return newError(ErrConflict, msg) }

// NewPreconditionError reports a lifecycle operation attempted from a state
// that does not allow it.
func NewPreconditionError(msg string) *ErrorEnvelope {
	return newError(ErrPreconditionFailed, msg)
}

// NewValidationError carries the per-field failures of a submitted record.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := newError(ErrValidationError, "")
	e.Details = details
	return e
}

// NewBackendRejectedError wraps a {"success": false} reply; msg is the
// backend's own error string and is shown to the user verbatim.
func NewBackendRejectedError(msg string) *ErrorEnvelope {
	return newError(ErrBackendRejected, msg)
}

func NewInternalError() *ErrorEnvelope           { return newError(ErrInternalError, "") }
func NewBackendUnavailableError() *ErrorEnvelope { return newError(ErrBackendUnavailable, "") }
func NewBackendTimeoutError() *ErrorEnvelope     { return newError(ErrBackendTimeout, "") }
func NewRateLimitedError() *ErrorEnvelope        { return newError(ErrRateLimited, "") }
