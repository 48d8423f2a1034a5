package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	Worker string `json:"worker"`
}

// handleHealthz reports whether the worker connection is up. Once the worker
// is gone no cell can run again, so the process reports itself unhealthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.kernel.Done():
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Worker: "disconnected"})
	default:
		s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Worker: "connected"})
	}
}
