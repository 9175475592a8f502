// Package transport contains the HTTP router, middleware chain, and all
// request handlers of the console API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrPreconditionFailed: http.StatusConflict,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendRejected:    http.StatusBadGateway,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as a JSON error envelope with the matching HTTP
// status. Errors without an ErrorEnvelope in their chain become a generic
// INTERNAL_ERROR so internal details never reach the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		observability.RequestLogger(r.Context(), nopLogger).Error("unhandled error", zap.Error(err))
		ee = model.NewInternalError()
	}
	out := *ee
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	if out.Code == model.ErrRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out})
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}
