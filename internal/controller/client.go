// Package controller is the client side of the worker protocol. A Client
// holds one connection to a worker, matches replies to the requests that
// caused them and fans out streamed cell output to subscribers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/cellkernel/internal/diagnostics"
	"github.com/seantiz/cellkernel/internal/model"
	"github.com/seantiz/cellkernel/internal/protocol"
)

var (
	// ErrClosed is returned when the worker connection is gone.
	ErrClosed = errors.New("worker connection closed")
	// ErrTerminated is returned to callers waiting on a cell when the kernel
	// was terminated before the cell finished.
	ErrTerminated = errors.New("kernel terminated")
)

// WorkerError is an error notification sent by the worker.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string { return "worker: " + e.Message }

// Client talks to one worker. It is safe for concurrent use.
type Client struct {
	conn   net.Conn
	logger *slog.Logger
	broker *Broker

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingCall
	results map[string][]chan model.CellState
	err     error

	done chan struct{}
}

// pendingCall waits for the reply of type want, or an error, to one request.
// An empty want accepts only errors.
type pendingCall struct {
	want  string
	reply chan protocol.Notification
}

func (p pendingCall) accepts(typ string) bool {
	return typ == protocol.NoteError || (p.want != "" && typ == p.want)
}

// Dial connects to the worker at addr and starts reading notifications.
// See dialWorker for the address forms.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	conn, err := dialWorker(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		broker:  NewBroker(),
		pending: make(map[string]pendingCall),
		results: make(map[string][]chan model.CellState),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Initialize asks the worker to create its runtime and waits for the
// initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, protocol.NewRequest(protocol.ReqInitialize), protocol.NoteInitialized)
	return err
}

// Execute submits code as cell id without waiting for it to finish. Output
// and the result reach subscribers of id.
func (c *Client) Execute(ctx context.Context, id, code string) error {
	if id == "" {
		return fmt.Errorf("execute: empty cell id")
	}
	req := protocol.NewRequest(protocol.ReqExecute)
	req.CellID = id
	req.Code = code
	c.broker.Open(id)
	return c.send(ctx, req)
}

// Run executes code as cell id and waits for its terminal state.
func (c *Client) Run(ctx context.Context, id, code string) (model.CellState, error) {
	if id == "" {
		return model.CellState{}, fmt.Errorf("execute: empty cell id")
	}
	req := protocol.NewRequest(protocol.ReqExecute)
	req.CellID = id
	req.Code = code

	result := make(chan model.CellState, 1)
	reply := make(chan protocol.Notification, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return model.CellState{}, err
	}
	c.results[id] = append(c.results[id], result)
	c.pending[req.CorrelationID] = pendingCall{reply: reply}
	c.mu.Unlock()
	defer c.forget(req.CorrelationID)
	defer c.dropResult(id, result)

	c.broker.Open(id)
	if err := c.send(ctx, req); err != nil {
		return model.CellState{}, err
	}

	select {
	case state, ok := <-result:
		if !ok {
			return model.CellState{}, ErrTerminated
		}
		return state, nil
	case n := <-reply:
		return model.CellState{}, &WorkerError{Message: n.Message}
	case <-c.done:
		return model.CellState{}, c.closedErr()
	case <-ctx.Done():
		return model.CellState{}, ctx.Err()
	}
}

// State returns every cell the worker knows about.
func (c *Client) State(ctx context.Context) (map[string]model.CellState, error) {
	n, err := c.call(ctx, protocol.NewRequest(protocol.ReqGetState), protocol.NoteKernelState)
	if err != nil {
		return nil, err
	}
	if n.States == nil {
		return map[string]model.CellState{}, nil
	}
	return n.States, nil
}

// Terminate tears down the worker's runtime and all cell state.
func (c *Client) Terminate(ctx context.Context) error {
	_, err := c.call(ctx, protocol.NewRequest(protocol.ReqTerminate), protocol.NoteTerminated)
	return err
}

// Diagnostics fetches a cache and runtime snapshot from the worker.
func (c *Client) Diagnostics(ctx context.Context) (diagnostics.Snapshot, error) {
	n, err := c.call(ctx, protocol.NewRequest(protocol.ReqDiagnostics), protocol.NoteDiagnostics)
	if err != nil {
		return diagnostics.Snapshot{}, err
	}
	if n.Diagnostics == nil {
		return diagnostics.Snapshot{}, fmt.Errorf("diagnostics reply without snapshot")
	}
	return *n.Diagnostics, nil
}

// ClearCache empties the worker's persistent wheel cache.
func (c *Client) ClearCache(ctx context.Context) error {
	_, err := c.call(ctx, protocol.NewRequest(protocol.ReqClearCache), protocol.NoteCacheCleared)
	return err
}

// Subscribe returns a channel of stdout, stderr and result notifications for
// cell id. The channel is closed after the result or on terminate.
func (c *Client) Subscribe(id string) (<-chan protocol.Notification, func()) {
	return c.broker.Subscribe(id)
}

// call sends req and waits for the reply of type want or an error
// notification carrying the same correlation id. Other notifications with
// that id are not replies and are ignored.
func (c *Client) call(ctx context.Context, req protocol.Request, want string) (protocol.Notification, error) {
	reply := make(chan protocol.Notification, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Notification{}, err
	}
	c.pending[req.CorrelationID] = pendingCall{want: want, reply: reply}
	c.mu.Unlock()
	defer c.forget(req.CorrelationID)

	if err := c.send(ctx, req); err != nil {
		return protocol.Notification{}, err
	}

	select {
	case n := <-reply:
		if n.Type == protocol.NoteError {
			return n, &WorkerError{Message: n.Message}
		}
		return n, nil
	case <-c.done:
		return protocol.Notification{}, c.closedErr()
	case <-ctx.Done():
		return protocol.Notification{}, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, req protocol.Request) error {
	req.InjectTrace(ctx)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteMessage(c.conn, &req); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	return nil
}

func (c *Client) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

func (c *Client) dropResult(id string, ch chan model.CellState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.results[id]
	for i, w := range waiters {
		if w == ch {
			c.results[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.results[id]) == 0 {
		delete(c.results, id)
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// readLoop routes notifications until the connection fails.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var n protocol.Notification
		if err := protocol.ReadMessage(c.conn, &n); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("read notification", "error", err)
			}
			c.mu.Lock()
			c.err = ErrClosed
			c.mu.Unlock()
			c.broker.CloseAll()
			return
		}
		c.route(n)
	}
}

func (c *Client) route(n protocol.Notification) {
	switch n.Type {
	case protocol.NoteStdout, protocol.NoteStderr:
		c.broker.Publish(n.ID, n)
		return
	case protocol.NoteResult:
		c.broker.Publish(n.ID, n)
		c.broker.Close(n.ID)
		if n.State == nil {
			return
		}
		c.mu.Lock()
		waiters := c.results[n.ID]
		delete(c.results, n.ID)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- *n.State
		}
		return
	case protocol.NoteTerminated:
		c.broker.CloseAll()
		c.mu.Lock()
		for id, waiters := range c.results {
			for _, w := range waiters {
				close(w)
			}
			delete(c.results, id)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	p, ok := c.pending[n.CorrelationID]
	if ok && p.accepts(n.Type) {
		delete(c.pending, n.CorrelationID)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("unsolicited notification", "type", n.Type, "correlation_id", n.CorrelationID)
		return
	}
	p.reply <- n
}
