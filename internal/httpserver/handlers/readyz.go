package handlers

import (
	"net/http"
	"time"

	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready      bool       `json:"ready"`
	LastReload *time.Time `json:"last_reload,omitempty"`
}

// Readyz reports ready once the service catalog has been loaded.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last := d.Registry.LastReload()
		if last.IsZero() {
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Ready: false})
			return
		}
		writeJSON(w, http.StatusOK, readyzResponse{Ready: true, LastReload: &last})
	}
}
