// Package httputil holds the response helpers shared by the debug handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/beamlink/internal/monitoring"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("httputil: encode response: %v", err)
	}
}

// WriteError writes {"error": "<prefix>: <err>"} with the given status.
func WriteError(w http.ResponseWriter, status int, prefix string, err error) {
	msg := prefix
	if err != nil {
		msg += ": " + err.Error()
	}
	WriteJSON(w, status, map[string]string{"error": msg})
}

// InternalError is WriteError with 500.
func InternalError(w http.ResponseWriter, prefix string, err error) {
	WriteError(w, http.StatusInternalServerError, prefix, err)
}
