package kernel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/cellkernel/internal/model"
	"github.com/seantiz/cellkernel/internal/pkglist"
	"github.com/seantiz/cellkernel/internal/protocol"
	"github.com/seantiz/cellkernel/internal/runtime"
	"github.com/seantiz/cellkernel/internal/runtime/runtimetest"
	"github.com/seantiz/cellkernel/internal/wheelcache"
)

type notes struct {
	mu  sync.Mutex
	all []protocol.Notification
	ch  chan protocol.Notification
}

func newNotes() *notes {
	return &notes{ch: make(chan protocol.Notification, 256)}
}

func (n *notes) notify(note protocol.Notification) {
	n.mu.Lock()
	n.all = append(n.all, note)
	n.mu.Unlock()
	n.ch <- note
}

func (n *notes) ofType(typ string) []protocol.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.Notification
	for _, note := range n.all {
		if note.Type == typ {
			out = append(out, note)
		}
	}
	return out
}

// waitFor blocks until a notification matching pred arrives.
func (n *notes) waitFor(t *testing.T, pred func(protocol.Notification) bool) protocol.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case note := <-n.ch:
			if pred(note) {
				return note
			}
		case <-timeout:
			t.Fatal("timed out waiting for notification")
		}
	}
}

type fakes struct {
	mu  sync.Mutex
	all []*runtimetest.Fake
}

func (f *fakes) factory(setup func(*runtimetest.Fake)) runtime.Factory {
	return runtimetest.Factory(func(fake *runtimetest.Fake) {
		if setup != nil {
			setup(fake)
		}
		f.mu.Lock()
		f.all = append(f.all, fake)
		f.mu.Unlock()
	})
}

func (f *fakes) last() *runtimetest.Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[len(f.all)-1]
}

func (f *fakes) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

func newCoordinator(t *testing.T, factory runtime.Factory, n *notes) *Coordinator {
	t.Helper()
	store := wheelcache.NewSQLiteStore(filepath.Join(t.TempDir(), "wheels.db"), nil)
	t.Cleanup(func() { store.Close() })
	c := New(Config{NewRuntime: factory, Cache: store, Notify: n.notify})
	t.Cleanup(c.Wait)
	return c
}

func TestExecutePrintCompletes(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)

	state := c.Execute(context.Background(), "cell-1", "print(1)")

	if state.Status != model.StatusCompleted {
		t.Fatalf("Status = %q, want completed", state.Status)
	}
	if state.Stdout != "1\n" {
		t.Errorf("Stdout = %q, want %q", state.Stdout, "1\n")
	}
	if len(n.ofType(protocol.NoteInitialized)) != 1 {
		t.Errorf("initialized notifications = %d, want 1", len(n.ofType(protocol.NoteInitialized)))
	}
	results := n.ofType(protocol.NoteResult)
	if len(results) != 1 || results[0].State.Stdout != "1\n" || results[0].ID != "cell-1" {
		t.Errorf("result notifications = %+v", results)
	}
}

func TestExecuteRaiseIsErrorState(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)

	state := c.Execute(context.Background(), "c", `raise Exception("x")`)

	if state.Status != model.StatusError {
		t.Fatalf("Status = %q, want error", state.Status)
	}
	if !strings.Contains(state.Stderr, "x") {
		t.Errorf("Stderr = %q, want it to contain x", state.Stderr)
	}
	if state.Result != nil {
		t.Errorf("Result = %v, want nil", state.Result)
	}
}

func TestExecuteResult(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)

	state := c.Execute(context.Background(), "c", "'done'")
	if state.Result != "done" {
		t.Errorf("Result = %#v, want done", state.Result)
	}
}

func TestStdoutChunksInOrder(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)

	c.Execute(context.Background(), "c", "print('A')\nprint('B')\nprint('C')")

	var got []string
	for _, note := range n.ofType(protocol.NoteStdout) {
		got = append(got, note.Message)
	}
	if !slices.Equal(got, []string{"A\n", "B\n", "C\n"}) {
		t.Errorf("stdout notifications = %q", got)
	}
	if s, _ := c.Cell("c"); s.Stdout != "A\nB\nC\n" {
		t.Errorf("Stdout = %q", s.Stdout)
	}
}

func TestReexecuteOverwritesState(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)
	ctx := context.Background()

	c.Execute(ctx, "c", "print('first')\nraise Exception('boom')")
	state := c.Execute(ctx, "c", "print('second')")

	if state.Status != model.StatusCompleted || state.Stdout != "second\n" || state.Stderr != "" {
		t.Errorf("state = %+v, want fresh completed record", state)
	}
	if len(c.State()) != 1 {
		t.Errorf("State has %d cells, want 1", len(c.State()))
	}
}

func TestStateReturnsCopies(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)
	c.Execute(context.Background(), "c", "print(1)")

	states := c.State()
	s := states["c"]
	s.Stdout = "tampered"
	states["c"] = s

	if got, _ := c.Cell("c"); got.Stdout != "1\n" {
		t.Errorf("internal state changed through a copy: %q", got.Stdout)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)
	ctx := context.Background()

	for range 3 {
		if err := c.Initialize(ctx); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}
	if fs.count() != 1 {
		t.Errorf("runtimes created = %d, want 1", fs.count())
	}
	if got := len(n.ofType(protocol.NoteInitialized)); got != 3 {
		t.Errorf("initialized notifications = %d, want 3", got)
	}
}

func TestTerminateDropsInflightExecute(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)
	ctx := context.Background()

	done := make(chan model.CellState, 1)
	go func() { done <- c.Execute(ctx, "slow", "print(1)\nwait()\nprint(2)") }()

	n.waitFor(t, func(note protocol.Notification) bool {
		return note.Type == protocol.NoteStdout && note.Message == "1\n"
	})
	if err := c.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	<-done

	if len(c.State()) != 0 {
		t.Errorf("State after Terminate = %v, want empty", c.State())
	}
	if got := n.ofType(protocol.NoteResult); len(got) != 0 {
		t.Errorf("result emitted for a terminated cell: %+v", got)
	}
	for _, note := range n.ofType(protocol.NoteStdout) {
		if note.Message == "2\n" {
			t.Error("output of a terminated cell was streamed")
		}
	}
	if !fs.last().Closed() {
		t.Error("runtime not closed by Terminate")
	}

	state := c.Execute(ctx, "after", "print(3)")
	if state.Status != model.StatusCompleted {
		t.Errorf("Execute after Terminate status = %q", state.Status)
	}
	if fs.count() != 2 {
		t.Errorf("runtimes created = %d, want a fresh one after Terminate", fs.count())
	}
}

func TestExecuteInstallsImports(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)

	c.Execute(context.Background(), "c", "import numpy\nimport os\n1")

	calls := fs.last().LoadCalls()
	if len(calls) != 1 || !slices.Equal(calls[0], []string{"numpy"}) {
		t.Errorf("LoadCalls = %v, want [[numpy]]", calls)
	}
	if diag := c.Diagnostics(context.Background()); !slices.Contains(diag.Registry.Loaded, "numpy") {
		t.Errorf("registry loaded = %v", diag.Registry.Loaded)
	}
}

func TestInitializePreloadsPackageList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"packages":["numpy","sympy"]}`))
	}))
	defer srv.Close()

	n := newNotes()
	var fs fakes
	c := New(Config{
		NewRuntime: fs.factory(nil),
		Packages:   pkglist.NewSource(srv.URL),
		Notify:     n.notify,
	})

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	c.Wait()

	calls := fs.last().LoadCalls()
	if len(calls) != 1 || !slices.Equal(calls[0], []string{"numpy", "sympy"}) {
		t.Errorf("LoadCalls = %v", calls)
	}
}

func TestRuntimeCreationFailure(t *testing.T) {
	n := newNotes()
	c := newCoordinator(t, func(context.Context, *http.Client) (runtime.Runtime, error) {
		return nil, errors.New("no interpreter")
	}, n)

	if err := c.Initialize(context.Background()); err == nil {
		t.Error("Initialize succeeded with a failing factory")
	}
	state := c.Execute(context.Background(), "c", "1")
	if state.Status != model.StatusError || !strings.Contains(state.Stderr, "no interpreter") {
		t.Errorf("state = %+v", state)
	}
}

type panickyRuntime struct{ *runtimetest.Fake }

func (panickyRuntime) Execute(context.Context, string) (any, error) { panic("interpreter crashed") }

func TestRuntimePanicBecomesErrorState(t *testing.T) {
	n := newNotes()
	c := newCoordinator(t, func(ctx context.Context, client *http.Client) (runtime.Runtime, error) {
		return panickyRuntime{runtimetest.New(client)}, nil
	}, n)

	state := c.Execute(context.Background(), "c", "1")
	if state.Status != model.StatusError || !strings.Contains(state.Stderr, "interpreter crashed") {
		t.Errorf("state = %+v", state)
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)

	ctx := protocol.WithCorrelationID(context.Background(), "corr-1")
	c.Execute(ctx, "c", "print(1)")

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.all {
		want := "corr-1"
		if note.Type == protocol.NoteInitialized {
			want = ""
		}
		if note.CorrelationID != want {
			t.Errorf("%s notification has correlation id %q, want %q", note.Type, note.CorrelationID, want)
		}
	}
}

func TestExplicitInitializeCarriesCorrelationID(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)

	if err := c.Initialize(protocol.WithCorrelationID(context.Background(), "init-1")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got := n.ofType(protocol.NoteInitialized)
	if len(got) != 1 || got[0].CorrelationID != "init-1" {
		t.Errorf("initialized notifications = %+v, want one with correlation id init-1", got)
	}
}

func TestAcceptRecordsIdleCell(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)
	ctx := context.Background()

	c.Execute(ctx, "b", "print(1)")
	c.Accept("b")
	c.Accept("q")

	states := c.State()
	if b := states["b"]; b.Status != model.StatusIdle || b.Stdout != "" {
		t.Errorf("re-accepted cell = %+v, want a fresh idle record", b)
	}
	if q, ok := states["q"]; !ok || q.Status != model.StatusIdle {
		t.Errorf("accepted cell = %+v (present %v), want idle", q, ok)
	}

	state := c.Execute(ctx, "q", "print(3)")
	if state.Status != model.StatusCompleted || state.Stdout != "3\n" {
		t.Errorf("Execute after Accept = %+v", state)
	}
	if len(c.State()) != 2 {
		t.Errorf("State has %d cells, want 2", len(c.State()))
	}
}

func TestAcceptWhileAnotherCellRuns(t *testing.T) {
	n := newNotes()
	var fs fakes
	c := newCoordinator(t, fs.factory(nil), n)
	ctx := context.Background()

	done := make(chan model.CellState, 1)
	go func() { done <- c.Execute(ctx, "a", "print('a')\nwait()") }()
	n.waitFor(t, func(note protocol.Notification) bool {
		return note.Type == protocol.NoteStdout && note.ID == "a"
	})

	c.Accept("q")
	if q, ok := c.Cell("q"); !ok || q.Status != model.StatusIdle {
		t.Errorf("queued cell = %+v (present %v), want idle while a runs", q, ok)
	}

	if err := c.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	<-done
}

func TestClearCache(t *testing.T) {
	store := wheelcache.NewSQLiteStore(filepath.Join(t.TempDir(), "wheels.db"), nil)
	defer store.Close()
	ctx := context.Background()
	store.Put(ctx, "numpy", "u", []byte("x"))

	c := New(Config{Cache: store})
	if err := c.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, ok := store.Get(ctx, "numpy"); ok {
		t.Error("record survived ClearCache")
	}
}

func TestDiagnosticsWithoutRuntime(t *testing.T) {
	c := New(Config{})
	snap := c.Diagnostics(context.Background())
	if len(snap.Errors) == 0 {
		t.Error("Diagnostics without a runtime reported no error")
	}
}
