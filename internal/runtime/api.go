package runtime

import (
	"net/http"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

// handleGetServices serves the running service definitions and their
// statistics as JSON.
func (s *Service) handleGetServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, s.Services()); err != nil {
		s.Logger.Error("Failed to encode services", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
