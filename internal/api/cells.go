package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cellkernel/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// executeRequest is the JSON body for POST /v1/cells.
type executeRequest struct {
	ID   string  `json:"id"`
	Code *string `json:"code"`
	Wait bool    `json:"wait"`
}

type executeResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == nil {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.ID == "" {
		req.ID = model.NewID()
	}

	if !req.Wait {
		cellsSubmitted.WithLabelValues(modeAsync).Inc()
		if err := s.kernel.Execute(r.Context(), req.ID, *req.Code); err != nil {
			s.kernelError(w, "execute", err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, executeResponse{ID: req.ID})
		return
	}

	cellsSubmitted.WithLabelValues(modeWait).Inc()
	// A waited cell may outlive the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}
	state, err := s.kernel.Run(r.Context(), req.ID, *req.Code)
	if err != nil {
		s.kernelError(w, "execute", err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListCells(w http.ResponseWriter, r *http.Request) {
	states, err := s.kernel.State(r.Context())
	if err != nil {
		s.kernelError(w, "get state", err)
		return
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	states, err := s.kernel.State(r.Context())
	if err != nil {
		s.kernelError(w, "get state", err)
		return
	}
	state, ok := states[id]
	if !ok {
		s.writeError(w, http.StatusNotFound, "cell not found")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}
