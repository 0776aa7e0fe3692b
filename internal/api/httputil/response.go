package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// errorBody is the {error:{code,message,details?}} envelope from spec §7.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteTaxonomyError maps err to its taxonomy HTTP status and code (pkg/errors)
// and writes the {error:{code,message,details?}} envelope spec §7 requires.
// Errors that do not implement the taxonomy fall back to 500/"internal".
func WriteTaxonomyError(w http.ResponseWriter, err error) {
	status := apherrors.StatusCode(err)
	code := apherrors.Code(err)
	WriteJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: err.Error()},
	})
}

// WriteTaxonomyErrorDetails is WriteTaxonomyError with an additional
// structured details payload (e.g. field-level validation errors).
func WriteTaxonomyErrorDetails(w http.ResponseWriter, err error, details any) {
	status := apherrors.StatusCode(err)
	code := apherrors.Code(err)
	WriteJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: err.Error(), Details: details},
	})
}
