package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/c360/xraysignals/errors"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

func badRequest(msg string) *APIError {
	return &APIError{Code: http.StatusBadRequest, Message: msg}
}

func notFound(msg string) *APIError {
	return &APIError{Code: http.StatusNotFound, Message: msg}
}

// fromError maps a store or transport error to a response. Internal detail
// is never exposed; the full error is logged by the caller.
func fromError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.IsInvalid(err):
		return &APIError{Code: http.StatusBadRequest, Message: "invalid request"}
	case errors.IsFatal(err):
		return &APIError{Code: http.StatusInternalServerError, Message: "internal server error"}
	case errors.IsTransient(err):
		if strings.Contains(strings.ToLower(err.Error()), "timeout") ||
			strings.Contains(err.Error(), "deadline exceeded") {
			return &APIError{Code: http.StatusGatewayTimeout, Message: "request timeout"}
		}
		return &APIError{Code: http.StatusServiceUnavailable, Message: "service temporarily unavailable"}
	default:
		return &APIError{Code: http.StatusInternalServerError, Message: "internal server error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	out := *apiErr
	out.RequestID = requestIDFrom(r.Context())
	writeJSON(w, out.Code, &out)
}
