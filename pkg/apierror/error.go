package apierror

import (
	"encoding/json"
	"net/http"
)

// Error represents a structured API error response.
type Error struct {
	StatusCode int          `json:"-"`
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
}

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type body struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// WithDetails adds field-level error details.
func (e *Error) WithDetails(details ...FieldError) *Error {
	e.Details = details
	return e
}

// ToJSON converts the error to JSON bytes.
func (e *Error) ToJSON() []byte {
	data, _ := json.Marshal(body{Success: false, Error: e})
	return data
}

// Write sends the error as the response.
func (e *Error) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.ToJSON())
}

func newError(status int, code, message, fallback string) *Error {
	if message == "" {
		message = fallback
	}
	return &Error{StatusCode: status, Code: code, Message: message}
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *Error {
	return newError(http.StatusBadRequest, "BAD_REQUEST", message, "Bad request")
}

// ValidationError creates a 400 error with validation details.
func ValidationError(message string, details ...FieldError) *Error {
	return newError(http.StatusBadRequest, "VALIDATION_ERROR", message, "Validation failed").WithDetails(details...)
}

// Unauthorized creates a 401 Unauthorized error.
func Unauthorized(message string) *Error {
	return newError(http.StatusUnauthorized, "UNAUTHORIZED", message, "Authentication required")
}

// NotFound creates a 404 Not Found error.
func NotFound(message string) *Error {
	return newError(http.StatusNotFound, "NOT_FOUND", message, "Resource not found")
}

// InternalError creates a 500 Internal Server Error.
func InternalError(message string) *Error {
	return newError(http.StatusInternalServerError, "INTERNAL_ERROR", message, "An unexpected error occurred")
}

// ServiceUnavailable creates a 503 Service Unavailable error.
func ServiceUnavailable(message string) *Error {
	return newError(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", message, "Service temporarily unavailable")
}
