// Package protocol defines the messages exchanged between a controller and a
// worker and their wire framing: a 4-byte big-endian length prefix followed
// by a JSON payload.
package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/seantiz/cellkernel/internal/diagnostics"
	"github.com/seantiz/cellkernel/internal/model"
)

// MaxMessageSize is the maximum allowed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Controller→worker request types.
const (
	ReqInitialize  = "initialize"
	ReqExecute     = "execute"
	ReqGetState    = "getState"
	ReqTerminate   = "terminate"
	ReqDiagnostics = "diagnostics"
	ReqClearCache  = "clearCache"
)

// Worker→controller notification types.
const (
	NoteInitialized  = "initialized"
	NoteStdout       = "stdout"
	NoteStderr       = "stderr"
	NoteResult       = "result"
	NoteKernelState  = "kernelState"
	NoteTerminated   = "terminated"
	NoteDiagnostics  = "diagnostics"
	NoteCacheCleared = "cacheCleared"
	NoteError        = "error"
)

// Request is a controller→worker message.
type Request struct {
	CorrelationID string            `json:"correlation_id"`
	Type          string            `json:"type"`
	CellID        string            `json:"cell_id,omitempty"`
	Code          string            `json:"code,omitempty"`
	Trace         map[string]string `json:"trace,omitempty"`
}

// NewRequest returns a request of type typ with a fresh correlation id.
func NewRequest(typ string) Request {
	return Request{CorrelationID: uuid.NewString(), Type: typ}
}

// Notification is a worker→controller message. CorrelationID echoes the
// request that caused it; output streamed during an execute carries the id
// of that execute request.
type Notification struct {
	Type          string                     `json:"type"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	ID            string                     `json:"id,omitempty"`
	Message       string                     `json:"message,omitempty"`
	State         *model.CellState           `json:"state,omitempty"`
	States        map[string]model.CellState `json:"states,omitempty"`
	Diagnostics   *diagnostics.Snapshot      `json:"diagnostics,omitempty"`
}

var traceContext = propagation.TraceContext{}

// InjectTrace stores the W3C trace context of ctx in r, so the worker's spans
// join the controller's trace.
func (r *Request) InjectTrace(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	if len(carrier) > 0 {
		r.Trace = carrier
	}
}

// ExtractTrace returns ctx carrying the trace context sent with r, if any.
func (r Request) ExtractTrace(ctx context.Context) context.Context {
	if len(r.Trace) == 0 {
		return ctx
	}
	return traceContext.Extract(ctx, propagation.MapCarrier(r.Trace))
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the correlation id of the
// request being served.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Validate checks that r is a well-formed request.
func (r Request) Validate() error {
	if _, err := uuid.Parse(r.CorrelationID); err != nil {
		return fmt.Errorf("invalid correlation id %q: %w", r.CorrelationID, err)
	}
	switch r.Type {
	case ReqInitialize, ReqGetState, ReqTerminate, ReqDiagnostics, ReqClearCache:
		return nil
	case ReqExecute:
		if r.CellID == "" {
			return fmt.Errorf("execute request without cell id")
		}
		return nil
	default:
		return fmt.Errorf("unknown request type %q", r.Type)
	}
}

// WriteMessage writes a length-prefixed JSON message to w.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent writers serialized by a mutex never
	// interleave a prefix with another payload.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
