package apierror

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		status int
		code   string
	}{
		{"bad request", BadRequest("x"), http.StatusBadRequest, "BAD_REQUEST"},
		{"validation", ValidationError("x"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unauthorized", Unauthorized(""), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"not found", NotFound(""), http.StatusNotFound, "NOT_FOUND"},
		{"internal", InternalError(""), http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"unavailable", ServiceUnavailable(""), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestToJSON_Details(t *testing.T) {
	err := ValidationError("invalid account", FieldError{Field: "client_id", Message: "required"})

	assert.JSONEq(t,
		`{"success":false,"error":{"code":"VALIDATION_ERROR","message":"invalid account","details":[{"field":"client_id","message":"required"}]}}`,
		string(err.ToJSON()))
}
