package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// ErrorResponse is the body written for failed requests
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes err as a JSON error with the status from StatusFor
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := ErrorResponse{Error: err.Error(), Code: codeFor(err)}
	if status == http.StatusInternalServerError {
		body.Error = "internal server error"
	}
	_ = WriteJSON(w, status, body)
}

// StatusFor maps domain errors onto HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, extensions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, extensions.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, extensions.ErrDuplicate), errors.Is(err, extensions.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, extensions.ErrSecurityPolicy), errors.Is(err, extensions.ErrDependency):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, extensions.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, extensions.ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, extensions.ErrDuplicate):
		return "DUPLICATE"
	case errors.Is(err, extensions.ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, extensions.ErrSecurityPolicy):
		return "SECURITY_POLICY"
	case errors.Is(err, extensions.ErrDependency):
		return "DEPENDENCY"
	}
	return ""
}
