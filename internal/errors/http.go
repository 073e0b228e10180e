// Package errors defines the JSON error envelope the dashboard API
// returns for every failure.
package errors

import (
	"encoding/json"
	"net/http"
)

// Error codes used by the HTTP surface.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPErrorResponse is the envelope for all error replies.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError carries the failure detail.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError writes the envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPError{Code: code, Message: message, RequestID: requestID},
	})
}
