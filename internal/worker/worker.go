// Package worker serves a kernel over framed connections. A controller
// connects, sends requests and receives notifications; output produced by
// the kernel is broadcast to every connected controller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cellkernel/internal/diagnostics"
	"github.com/seantiz/cellkernel/internal/model"
	"github.com/seantiz/cellkernel/internal/protocol"
)

// execQueueSize bounds execute requests waiting behind the running one.
const execQueueSize = 64

// Kernel is the coordinator a worker serves.
type Kernel interface {
	Initialize(ctx context.Context) error
	// Accept records id as idle when its execute is queued.
	Accept(id string)
	Execute(ctx context.Context, id, code string) model.CellState
	State() map[string]model.CellState
	Terminate(ctx context.Context) error
	Diagnostics(ctx context.Context) diagnostics.Snapshot
	ClearCache(ctx context.Context) error
}

// Worker accepts controller connections on a listener.
type Worker struct {
	listener net.Listener
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*peer]struct{}
}

// peer is one controller connection. writeMu keeps frames whole.
type peer struct {
	conn    net.Conn
	writeMu sync.Mutex
}

type execJob struct {
	ctx context.Context
	req protocol.Request
}

// New creates a worker serving connections accepted from l.
func New(l net.Listener, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		listener: l,
		logger:   logger,
		conns:    make(map[*peer]struct{}),
	}
}

// Addr returns the listener's address.
func (w *Worker) Addr() net.Addr {
	return w.listener.Addr()
}

// Serve accepts connections and dispatches their requests to k until ctx is
// cancelled or the listener fails. Execute requests run one at a time in
// arrival order; other requests are answered as they arrive, so a terminate
// can interrupt a running cell.
func (w *Worker) Serve(ctx context.Context, k Kernel) error {
	g, ctx := errgroup.WithContext(ctx)
	execs := make(chan execJob, execQueueSize)

	g.Go(func() error {
		<-ctx.Done()
		w.listener.Close()
		w.closeAll()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case job := <-execs:
				state := k.Execute(job.ctx, job.req.CellID, job.req.Code)
				w.logger.Debug("execute finished", "cell_id", state.ID, "status", state.Status)
			}
		}
	})

	g.Go(func() error {
		for {
			conn, err := w.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			p := w.track(conn)
			g.Go(func() error {
				w.handleConnection(ctx, p, k, execs)
				return nil
			})
		}
	})

	return g.Wait()
}

// handleConnection reads requests from p until it closes.
func (w *Worker) handleConnection(ctx context.Context, p *peer, k Kernel, execs chan<- execJob) {
	defer w.untrack(p)
	w.logger.Info("controller connected", "remote", p.conn.RemoteAddr().String())

	for {
		var req protocol.Request
		if err := protocol.ReadMessage(p.conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				w.logger.Warn("read request", "error", err)
			}
			w.logger.Info("controller disconnected", "remote", p.conn.RemoteAddr().String())
			return
		}
		if err := req.Validate(); err != nil {
			w.send(p, protocol.Notification{
				Type:          protocol.NoteError,
				CorrelationID: req.CorrelationID,
				Message:       err.Error(),
			})
			continue
		}

		reqCtx := protocol.WithCorrelationID(req.ExtractTrace(context.WithoutCancel(ctx)), req.CorrelationID)
		w.logger.Debug("request received", "type", req.Type, "correlation_id", req.CorrelationID, "cell_id", req.CellID)

		switch req.Type {
		case protocol.ReqExecute:
			k.Accept(req.CellID)
			select {
			case execs <- execJob{ctx: reqCtx, req: req}:
			case <-ctx.Done():
				return
			}
		default:
			w.dispatch(reqCtx, p, k, req)
		}
	}
}

// dispatch answers a non-execute request. The reply goes to the requester.
func (w *Worker) dispatch(ctx context.Context, p *peer, k Kernel, req protocol.Request) {
	reply := protocol.Notification{CorrelationID: req.CorrelationID}
	fail := func(err error) {
		reply.Type = protocol.NoteError
		reply.Message = err.Error()
		w.send(p, reply)
	}

	switch req.Type {
	case protocol.ReqInitialize:
		// The kernel broadcasts the initialized notification itself.
		if err := k.Initialize(ctx); err != nil {
			fail(err)
		}
	case protocol.ReqGetState:
		reply.Type = protocol.NoteKernelState
		reply.States = k.State()
		w.send(p, reply)
	case protocol.ReqTerminate:
		if err := k.Terminate(ctx); err != nil {
			fail(err)
			return
		}
		reply.Type = protocol.NoteTerminated
		w.Broadcast(reply)
	case protocol.ReqDiagnostics:
		snap := k.Diagnostics(ctx)
		reply.Type = protocol.NoteDiagnostics
		reply.Diagnostics = &snap
		w.send(p, reply)
	case protocol.ReqClearCache:
		if err := k.ClearCache(ctx); err != nil {
			fail(err)
			return
		}
		reply.Type = protocol.NoteCacheCleared
		w.send(p, reply)
	}
}

// Broadcast sends n to every connected controller. It is the kernel's
// notification sink.
func (w *Worker) Broadcast(n protocol.Notification) {
	w.mu.Lock()
	peers := make([]*peer, 0, len(w.conns))
	for p := range w.conns {
		peers = append(peers, p)
	}
	w.mu.Unlock()

	for _, p := range peers {
		w.send(p, n)
	}
}

func (w *Worker) send(p *peer, n protocol.Notification) {
	p.writeMu.Lock()
	err := protocol.WriteMessage(p.conn, &n)
	p.writeMu.Unlock()
	if err != nil {
		w.logger.Warn("write notification", "type", n.Type, "error", err)
		p.conn.Close()
	}
}

func (w *Worker) track(conn net.Conn) *peer {
	p := &peer{conn: conn}
	w.mu.Lock()
	w.conns[p] = struct{}{}
	w.mu.Unlock()
	return p
}

func (w *Worker) untrack(p *peer) {
	w.mu.Lock()
	delete(w.conns, p)
	w.mu.Unlock()
	p.conn.Close()
}

func (w *Worker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p := range w.conns {
		p.conn.Close()
	}
}
