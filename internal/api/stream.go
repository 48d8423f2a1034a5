package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cellkernel/internal/controller"
	"github.com/seantiz/cellkernel/internal/model"
	"github.com/seantiz/cellkernel/internal/protocol"
)

// handleStreamCell streams a cell's output as server-sent events: stdout and
// stderr events carry output chunks, a result event carries the terminal
// state as JSON and a done event ends the stream. A dropped event carries the
// number of chunks a slow reader missed; the result still has the full output.
func (s *Server) handleStreamCell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before looking at the state so no output produced in between
	// is lost.
	ch, unsub := s.kernel.Subscribe(id)
	defer unsub()

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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	activeStreams.Inc()
	defer activeStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	flush()

	if model.IsTerminal(state.Status) {
		s.finishStream(w, &state)
		flush()
		return
	}

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				// The result may have been dropped for a slow reader, or the
				// kernel was terminated.
				var final *model.CellState
				if states, err := s.kernel.State(r.Context()); err == nil {
					if st, ok := states[id]; ok && model.IsTerminal(st.Status) {
						final = &st
					}
				}
				s.finishStream(w, final)
				flush()
				return
			}
			if err := s.writeNotification(w, n); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
			if n.Type == protocol.NoteResult {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func (s *Server) writeNotification(w http.ResponseWriter, n protocol.Notification) error {
	switch n.Type {
	case protocol.NoteStdout, protocol.NoteStderr:
		return writeSSEEvent(w, n.Type, n.Message)
	case protocol.NoteResult:
		return s.writeResult(w, n.State)
	case controller.NoteDropped:
		if count, err := strconv.Atoi(n.Message); err == nil {
			streamChunksDropped.Add(float64(count))
		}
		s.logger.Warn("stream reader fell behind", "cell_id", n.ID, "dropped", n.Message)
		return writeSSEEvent(w, controller.NoteDropped, n.Message)
	}
	return nil
}

func (s *Server) writeResult(w http.ResponseWriter, state *model.CellState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("encode cell state", "error", err)
		return err
	}
	return writeSSEEvent(w, protocol.NoteResult, string(data))
}

func (s *Server) finishStream(w http.ResponseWriter, state *model.CellState) {
	if err := s.writeResult(w, state); err != nil {
		return
	}
	_ = writeSSEEvent(w, "done", "stream complete")
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix, as SSE requires.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}
