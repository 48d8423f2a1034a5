package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/cellkernel/internal/controller"
)

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.Initialize(r.Context()); err != nil {
		s.kernelError(w, "initialize", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.Terminate(r.Context()); err != nil {
		s.kernelError(w, "terminate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.kernel.Diagnostics(r.Context())
	if err != nil {
		s.kernelError(w, "diagnostics", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.ClearCache(r.Context()); err != nil {
		s.kernelError(w, "clear cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// kernelError maps a controller error to a response.
func (s *Server) kernelError(w http.ResponseWriter, op string, err error) {
	var we *controller.WorkerError
	switch {
	case errors.Is(err, controller.ErrClosed):
		kernelErrors.WithLabelValues(op, "unavailable").Inc()
		s.writeError(w, http.StatusServiceUnavailable, "worker unavailable")
	case errors.Is(err, controller.ErrTerminated):
		kernelErrors.WithLabelValues(op, "terminated").Inc()
		s.writeError(w, http.StatusConflict, "kernel terminated")
	case errors.As(err, &we):
		kernelErrors.WithLabelValues(op, "worker").Inc()
		s.writeError(w, http.StatusBadGateway, we.Message)
	default:
		kernelErrors.WithLabelValues(op, "internal").Inc()
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
