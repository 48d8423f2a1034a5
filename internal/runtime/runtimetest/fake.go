// Package runtimetest provides a scriptable runtime.Runtime for tests.
//
// The fake understands a tiny line-oriented subset of Python:
//
//	print(<literal>)                   writes the literal and a newline to stdout
//	print(<literal>, file=sys.stderr)  same, to stderr
//	raise <Name>("<message>")          fails with "<Name>: <message>"
//	wait()                             blocks until Release is called or ctx ends
//	import x / from x import y         recorded by ImportsFromSource, otherwise ignored
//
// A final line that is none of the above is evaluated as a literal and
// returned as the result: integers, floats, quoted strings, True, False and
// None are understood; anything else is returned verbatim.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/seantiz/cellkernel/internal/registry"
	"github.com/seantiz/cellkernel/internal/runtime"
)

var stdlib = map[string]bool{
	"sys": true, "os": true, "math": true, "json": true, "time": true,
	"re": true, "random": true, "collections": true, "itertools": true,
}

// Fake is an in-memory runtime. The exported hook fields may be set before
// the fake is used; they are read without locking.
type Fake struct {
	// Client is used to download archives when WheelURL is set.
	Client *http.Client
	// WheelURL maps a distribution name to the archive URL LoadPackages
	// downloads. When nil, LoadPackages installs without any network access.
	WheelURL func(name string) string
	// OnLoad runs at the start of every LoadPackages call. A returned error
	// fails the call; it may also panic.
	OnLoad func(names []string) error
	// OnLoadBytes runs at the start of every LoadPackageBytes call.
	OnLoadBytes func(name string, payload []byte) error
	// Stdlib overrides the module names ImportsFromSource drops.
	Stdlib map[string]bool

	mu        sync.Mutex
	installed map[string]bool
	loadCalls [][]string
	byteLoads []string
	executed  []string
	outputs   map[runtime.Stream]func(string)
	closed    bool
	gate      chan struct{}
}

var _ runtime.Runtime = (*Fake)(nil)

// New returns an empty Fake using client for downloads.
func New(client *http.Client) *Fake {
	return &Fake{
		Client:    client,
		installed: make(map[string]bool),
		outputs:   make(map[runtime.Stream]func(string)),
		gate:      make(chan struct{}),
	}
}

// Factory returns a runtime.Factory producing Fakes. setup, if non-nil, sees
// every fake before it is returned.
func Factory(setup func(*Fake)) runtime.Factory {
	return func(_ context.Context, client *http.Client) (runtime.Runtime, error) {
		f := New(client)
		if setup != nil {
			setup(f)
		}
		return f, nil
	}
}

// Preinstall marks names as installed without recording a load call.
func (f *Fake) Preinstall(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.installed[registry.Normalize(n)] = true
	}
}

// LoadCalls returns the name lists passed to LoadPackages, in call order.
func (f *Fake) LoadCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.loadCalls))
	for i, c := range f.loadCalls {
		out[i] = slices.Clone(c)
	}
	return out
}

// ByteLoads returns the names passed to LoadPackageBytes, in call order.
func (f *Fake) ByteLoads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.byteLoads)
}

// Executed returns the code of every Execute call, in call order.
func (f *Fake) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.executed)
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Release unblocks every pending and future wait() call.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.gate:
	default:
		close(f.gate)
	}
}

func (f *Fake) LoadPackages(ctx context.Context, names []string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return runtime.ErrClosed
	}
	f.loadCalls = append(f.loadCalls, slices.Clone(names))
	f.mu.Unlock()

	if f.OnLoad != nil {
		if err := f.OnLoad(names); err != nil {
			return err
		}
	}

	for _, name := range names {
		if f.WheelURL != nil && f.Client != nil {
			if err := f.download(ctx, f.WheelURL(name)); err != nil {
				return fmt.Errorf("load %s: %w", name, err)
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range names {
		f.installed[registry.Normalize(name)] = true
	}
	return nil
}

func (f *Fake) download(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.ReadAll(resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (f *Fake) LoadPackageBytes(_ context.Context, name string, payload []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return runtime.ErrClosed
	}
	f.byteLoads = append(f.byteLoads, name)
	f.mu.Unlock()

	if f.OnLoadBytes != nil {
		if err := f.OnLoadBytes(name, payload); err != nil {
			return err
		}
	}
	if len(payload) == 0 {
		return fmt.Errorf("load %s: empty archive", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[registry.Normalize(name)] = true
	return nil
}

func (f *Fake) ImportsFromSource(_ context.Context, code string) ([]string, error) {
	skip := f.Stdlib
	if skip == nil {
		skip = stdlib
	}

	var out []string
	seen := make(map[string]bool)
	for line := range strings.Lines(code) {
		line = strings.TrimSpace(line)
		var mod string
		switch {
		case strings.HasPrefix(line, "import "):
			mod = strings.Fields(strings.TrimPrefix(line, "import "))[0]
		case strings.HasPrefix(line, "from "):
			mod = strings.Fields(strings.TrimPrefix(line, "from "))[0]
		default:
			continue
		}
		mod, _, _ = strings.Cut(strings.TrimSuffix(mod, ","), ".")
		if mod == "" || skip[mod] {
			continue
		}
		name := registry.Normalize(mod)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *Fake) Execute(ctx context.Context, code string) (any, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, runtime.ErrClosed
	}
	f.executed = append(f.executed, code)
	gate := f.gate
	f.mu.Unlock()

	var result any
	for line := range strings.Lines(code) {
		line = strings.TrimSpace(line)
		result = nil
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "import "), strings.HasPrefix(line, "from "):
		case line == "wait()":
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case strings.HasPrefix(line, "print(") && strings.HasSuffix(line, ")"):
			arg := strings.TrimSuffix(strings.TrimPrefix(line, "print("), ")")
			stream := runtime.Stdout
			if a, ok := strings.CutSuffix(arg, ", file=sys.stderr"); ok {
				arg, stream = a, runtime.Stderr
			}
			f.emit(stream, fmt.Sprint(literal(arg))+"\n")
		case strings.HasPrefix(line, "raise "):
			return nil, raised(strings.TrimPrefix(line, "raise "))
		default:
			result = literal(line)
		}
	}
	return result, nil
}

func (f *Fake) emit(stream runtime.Stream, chunk string) {
	f.mu.Lock()
	fn := f.outputs[stream]
	f.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

func (f *Fake) RedirectOutput(stream runtime.Stream, onChunk func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[stream] = onChunk
}

func (f *Fake) LoadedModules(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, runtime.ErrClosed
	}
	out := make([]string, 0, len(f.installed))
	for name := range f.installed {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (f *Fake) Version() string { return "fake 1.0" }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	select {
	case <-f.gate:
	default:
		close(f.gate)
	}
	return nil
}

func literal(s string) any {
	s = strings.TrimSpace(s)
	switch s {
	case "None":
		return nil
	case "True":
		return true
	case "False":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if x, err := strconv.ParseFloat(s, 64); err == nil {
		return x
	}
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

type raisedError struct{ msg string }

func (e raisedError) Error() string { return e.msg }

func raised(expr string) error {
	kind, rest, ok := strings.Cut(expr, "(")
	if !ok {
		return raisedError{strings.TrimSpace(expr)}
	}
	arg := literal(strings.TrimSuffix(rest, ")"))
	if arg == nil || arg == "" {
		return raisedError{kind}
	}
	return raisedError{fmt.Sprintf("%s: %v", kind, arg)}
}
