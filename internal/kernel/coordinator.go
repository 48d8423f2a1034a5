package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/cellkernel/internal/diagnostics"
	"github.com/seantiz/cellkernel/internal/fetch"
	"github.com/seantiz/cellkernel/internal/installer"
	"github.com/seantiz/cellkernel/internal/model"
	"github.com/seantiz/cellkernel/internal/observability"
	"github.com/seantiz/cellkernel/internal/pkglist"
	"github.com/seantiz/cellkernel/internal/protocol"
	"github.com/seantiz/cellkernel/internal/registry"
	"github.com/seantiz/cellkernel/internal/runtime"
	"github.com/seantiz/cellkernel/internal/wheelcache"
)

// ErrNoRuntime is returned when a coordinator has no runtime factory.
var ErrNoRuntime = errors.New("no runtime factory configured")

// Config holds a coordinator's collaborators.
type Config struct {
	// NewRuntime creates the runtime on first use and after Terminate.
	NewRuntime runtime.Factory
	// Cache is the persistent wheel cache. Nil disables it.
	Cache wheelcache.Store
	// Packages supplies the preload list. Nil disables preloading.
	Packages *pkglist.Source
	// Transport is the base round-tripper for runtime downloads.
	Transport http.RoundTripper
	// BatchSize is the installer batch size.
	BatchSize int
	Logger    *slog.Logger
	// Notify receives every notification the coordinator emits. It is
	// called from the goroutine producing the event.
	Notify func(protocol.Notification)
}

// Coordinator owns one runtime and the state of every cell run on it.
type Coordinator struct {
	newRuntime  runtime.Factory
	cache       wheelcache.Store
	packages    *pkglist.Source
	batchSize   int
	logger      *slog.Logger
	notify      func(protocol.Notification)
	transport   *fetch.Transport
	interceptor *fetch.Interceptor
	collector   *diagnostics.Collector

	// initMu serializes runtime creation and teardown.
	initMu sync.Mutex
	// execMu serializes execute bodies.
	execMu sync.Mutex
	// outMu keeps output appends and their notifications in one order.
	outMu sync.Mutex

	mu      sync.Mutex
	session *session
	cells   map[string]*model.CellState
	preload sync.WaitGroup
}

// session is one runtime instance with the package state scoped to it.
type session struct {
	rt   runtime.Runtime
	reg  *registry.Registry
	inst *installer.Installer
}

// New creates a coordinator. No runtime is created until Initialize or the
// first Execute.
func New(cfg Config) *Coordinator {
	if cfg.Cache == nil {
		cfg.Cache = wheelcache.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Notify == nil {
		cfg.Notify = func(protocol.Notification) {}
	}
	transport := fetch.NewTransport(cfg.Transport)
	c := &Coordinator{
		newRuntime:  cfg.NewRuntime,
		cache:       cfg.Cache,
		packages:    cfg.Packages,
		batchSize:   cfg.BatchSize,
		logger:      cfg.Logger,
		notify:      cfg.Notify,
		transport:   transport,
		interceptor: fetch.NewInterceptor(transport, cfg.Logger),
		cells:       make(map[string]*model.CellState),
	}
	c.collector = diagnostics.NewCollector(diagnostics.Sources{
		Runtime:  c.currentRuntime,
		Registry: c.currentRegistry,
		List:     cfg.Packages,
		Cache:    cfg.Cache,
	})
	return c
}

// Initialize creates the runtime if there is none and emits an initialized
// notification. Creating the runtime starts a background preload of the
// package list that does not delay the notification. Calling Initialize on
// an initialized coordinator only repeats the notification.
func (c *Coordinator) Initialize(ctx context.Context) error {
	_, err := c.ensureSession(ctx, true)
	return err
}

// ensureSession returns the live session, creating it if needed. A new
// session is always announced; an existing one only when announce is set.
// Only an announced notification carries the caller's correlation id.
func (c *Coordinator) ensureSession(ctx context.Context, announce bool) (*session, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		if announce {
			c.emit(ctx, protocol.Notification{Type: protocol.NoteInitialized})
		}
		return s, nil
	}

	if c.newRuntime == nil {
		return nil, ErrNoRuntime
	}
	rt, err := c.newRuntime(ctx, c.transport.Client())
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	reg := registry.New()
	s = &session{
		rt:  rt,
		reg: reg,
		inst: installer.New(rt, installer.Config{
			Registry:    reg,
			Cache:       c.cache,
			Interceptor: c.interceptor,
			BatchSize:   c.batchSize,
			Logger:      c.logger,
		}),
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	runtimesActive.Inc()

	c.logger.Info("runtime initialized", "version", rt.Version())
	if announce {
		c.emit(ctx, protocol.Notification{Type: protocol.NoteInitialized})
	} else {
		// Implicit creation is not a reply to the request that caused it.
		c.notify(protocol.Notification{Type: protocol.NoteInitialized})
	}

	if c.packages != nil {
		c.preload.Go(func() { c.preloadPackages(s) })
	}
	return s, nil
}

// preloadPackages installs the package list into s. It runs detached from
// any request.
func (c *Coordinator) preloadPackages(s *session) {
	ctx := context.Background()
	names := c.packages.Packages(ctx)
	if !c.isCurrent(s) {
		return
	}
	report := s.inst.EnsureInstalled(ctx, names)
	c.logger.Info("preload finished",
		"installed", len(report.Installed),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
}

// Wait blocks until background preloads have finished.
func (c *Coordinator) Wait() {
	c.preload.Wait()
}

// Accept records cell id as idle, replacing any previous state for it, so a
// queued execute is visible to State before it starts.
func (c *Coordinator) Accept(id string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cells[id] = &model.CellState{ID: id, Status: model.StatusIdle}
}

// Execute runs code as cell id and returns its terminal state. Any previous
// state for id is replaced; an idle record left by Accept is taken over.
// Output is streamed through Notify as it is produced, followed by one
// result notification. Execute never returns an error; faults end up in the
// cell's stderr with status error.
func (c *Coordinator) Execute(ctx context.Context, id, code string) model.CellState {
	ctx, span := observability.StartSpan(ctx, "kernel.Execute", attribute.String("cell_id", id))
	defer span.End()

	c.execMu.Lock()
	defer c.execMu.Unlock()

	start := time.Now()
	c.mu.Lock()
	cell, ok := c.cells[id]
	if !ok || cell.Status != model.StatusIdle {
		cell = &model.CellState{ID: id, Status: model.StatusIdle}
		c.cells[id] = cell
	}
	c.mu.Unlock()
	c.transition(cell, model.StatusRunning)

	s, err := c.ensureSession(ctx, false)
	if err != nil {
		return c.finish(ctx, cell, nil, err, start)
	}

	s.rt.RedirectOutput(runtime.Stdout, func(chunk string) { c.appendOutput(ctx, cell, runtime.Stdout, chunk) })
	s.rt.RedirectOutput(runtime.Stderr, func(chunk string) { c.appendOutput(ctx, cell, runtime.Stderr, chunk) })
	defer func() {
		s.rt.RedirectOutput(runtime.Stdout, nil)
		s.rt.RedirectOutput(runtime.Stderr, nil)
	}()

	result, execErr := c.run(ctx, s, id, code)
	if execErr != nil {
		span.SetStatus(codes.Error, "cell raised")
	}
	return c.finish(ctx, cell, result, execErr, start)
}

// run resolves the cell's imports and executes it. A runtime panic is
// returned as an error.
func (c *Coordinator) run(ctx context.Context, s *session, id, code string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("runtime panicked", "cell_id", id, "panic", r)
			err = fmt.Errorf("runtime panic: %v", r)
		}
	}()

	imports, err := s.rt.ImportsFromSource(ctx, code)
	if err != nil {
		c.logger.Warn("import resolution failed", "cell_id", id, "error", err)
	} else if len(imports) > 0 {
		s.inst.EnsureInstalled(ctx, imports)
	}

	return s.rt.Execute(ctx, code)
}

// finish moves cell to its terminal status and emits the result. Nothing is
// recorded or emitted when the cell was replaced or discarded meanwhile.
func (c *Coordinator) finish(ctx context.Context, cell *model.CellState, result any, execErr error, start time.Time) model.CellState {
	status := model.StatusCompleted
	if execErr != nil {
		status = model.StatusError
	}
	executionsTotal.WithLabelValues(status).Inc()
	executionDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	c.outMu.Lock()
	defer c.outMu.Unlock()

	c.mu.Lock()
	current := c.cells[cell.ID] == cell
	if current {
		if execErr != nil {
			msg := execErr.Error()
			if !strings.HasSuffix(msg, "\n") {
				msg += "\n"
			}
			cell.Stderr += msg
		} else {
			cell.Result = result
		}
	}
	c.mu.Unlock()
	if !current {
		c.logger.Debug("dropping result of discarded cell", "cell_id", cell.ID)
		return c.snapshot(cell)
	}

	c.transition(cell, status)
	snap := c.snapshot(cell)
	c.logger.Info("cell finished", "cell_id", cell.ID, "status", status,
		"duration_ms", time.Since(start).Milliseconds())
	c.emit(ctx, protocol.Notification{Type: protocol.NoteResult, ID: cell.ID, State: &snap})
	return snap
}

// appendOutput adds chunk to the cell's buffer and streams it, unless the
// cell is no longer the current record for its id.
func (c *Coordinator) appendOutput(ctx context.Context, cell *model.CellState, stream runtime.Stream, chunk string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	c.mu.Lock()
	current := c.cells[cell.ID] == cell && cell.Status == model.StatusRunning
	if current {
		if stream == runtime.Stderr {
			cell.Stderr += chunk
		} else {
			cell.Stdout += chunk
		}
	}
	c.mu.Unlock()
	if !current {
		return
	}

	typ := protocol.NoteStdout
	if stream == runtime.Stderr {
		typ = protocol.NoteStderr
	}
	c.emit(ctx, protocol.Notification{Type: typ, ID: cell.ID, Message: chunk})
}

func (c *Coordinator) transition(cell *model.CellState, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !model.ValidTransition(cell.Status, to) {
		c.logger.Error("invalid cell transition", "cell_id", cell.ID, "from", cell.Status, "to", to)
		return
	}
	cell.Status = to
}

func (c *Coordinator) snapshot(cell *model.CellState) model.CellState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cell.Clone()
}

// State returns a copy of every cell's state keyed by id.
func (c *Coordinator) State() map[string]model.CellState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.CellState, len(c.cells))
	for id, cell := range c.cells {
		out[id] = cell.Clone()
	}
	return out
}

// Cell returns a copy of one cell's state.
func (c *Coordinator) Cell(id string) (model.CellState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells[id]
	if !ok {
		return model.CellState{}, false
	}
	return cell.Clone(), true
}

// Terminate discards every cell, resets package state and closes the
// runtime. Output and results of an execute still in flight are dropped.
// The next Initialize or Execute creates a fresh runtime.
func (c *Coordinator) Terminate(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.outMu.Lock()
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.cells = make(map[string]*model.CellState)
	c.mu.Unlock()
	c.outMu.Unlock()

	if s == nil {
		return nil
	}
	s.reg.Reset()
	runtimesActive.Dec()
	if err := s.rt.Close(); err != nil {
		return fmt.Errorf("close runtime: %w", err)
	}
	c.logger.Info("runtime terminated")
	return nil
}

// Diagnostics collects a snapshot of the cache tiers and runtime.
func (c *Coordinator) Diagnostics(ctx context.Context) diagnostics.Snapshot {
	return c.collector.Collect(ctx)
}

// ClearCache empties the persistent wheel cache and forgets the cached
// package list.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	if c.packages != nil {
		c.packages.Invalidate()
	}
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear wheel cache: %w", err)
	}
	c.logger.Info("wheel cache cleared")
	return nil
}

func (c *Coordinator) currentRuntime() runtime.Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.rt
}

func (c *Coordinator) currentRegistry() *registry.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.reg
}

func (c *Coordinator) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

func (c *Coordinator) emit(ctx context.Context, n protocol.Notification) {
	if n.CorrelationID == "" {
		n.CorrelationID = protocol.CorrelationID(ctx)
	}
	c.notify(n)
}
