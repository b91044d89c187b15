package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"bling-sync-api/pkg/apierror"
)

// Response represents a standard API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta contains list metadata.
type Meta struct {
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// JSON sends an enveloped JSON response with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	Raw(w, statusCode, Response{Success: true, Data: data})
}

// JSONWithMeta sends an enveloped JSON response with list metadata.
func JSONWithMeta(w http.ResponseWriter, statusCode int, data interface{}, limit int, total int64) {
	Raw(w, statusCode, Response{
		Success: true,
		Data:    data,
		Meta:    &Meta{Limit: limit, Total: total},
	})
}

// Raw sends v as the whole body, without the envelope. Used by endpoints
// whose response shape is fixed by an external caller.
func Raw(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// Error sends an error response.
func Error(w http.ResponseWriter, err error) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		apiErr.Write(w)
		return
	}
	apierror.InternalError("an unexpected error occurred").Write(w)
}

// OK sends a 200 OK response.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}
