package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/repcam/backend/internal/fault"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the fault taxonomy onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, fault.ErrConflict):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeUnauthorized writes a 401 Unauthorized response.
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
