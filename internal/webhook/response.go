package webhook

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON envelope of every API reply.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error is an API error body.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string { return e.Message }

const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

var (
	ErrUnauthorized = &Error{Code: ErrCodeUnauthorized, Message: "missing or invalid API key", Status: http.StatusUnauthorized}
	ErrRateLimited  = &Error{Code: ErrCodeRateLimited, Message: "too many requests", Status: http.StatusTooManyRequests}
	ErrInternal     = &Error{Code: ErrCodeInternalError, Message: "internal server error", Status: http.StatusInternalServerError}
)

func badRequest(code, msg string) *Error {
	return &Error{Code: code, Message: msg, Status: http.StatusBadRequest}
}

func notFound(msg string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: msg, Status: http.StatusNotFound}
}

// JSON writes data inside the envelope.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Data: data})
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) { JSON(w, http.StatusOK, data) }

// JSONError writes err with its status.
func JSONError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(Response{Error: err})
}
