// Package httpx carries the small JSON plumbing shared by the stampd
// API handlers.
package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// NewRequestID mints a request identifier for logs and error envelopes.
func NewRequestID() string { return "req_" + uuid.NewString() }

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes the request body into dst, rejecting unknown fields.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// DecodeJSON is ReadJSON for a body that was already drained, used by
// handlers that inspect the raw bytes before the typed decode.
func DecodeJSON(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ErrorBody is the error envelope returned by every stampd endpoint.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody with the request id so clients can quote
// it back in support requests.
type ErrorResponse struct {
	RequestID string    `json:"requestId"`
	Error     ErrorBody `json:"error"`
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	WriteJSON(w, status, ErrorResponse{
		RequestID: RequestIDFrom(w),
		Error:     ErrorBody{Code: code, Message: message, Details: details},
	})
}

// RequestIDFrom reuses the id already assigned by the request-id
// middleware, falling back to a fresh one.
func RequestIDFrom(w http.ResponseWriter) string {
	if id := w.Header().Get("X-Request-Id"); id != "" {
		return id
	}
	return NewRequestID()
}
