// Package python implements runtime.Runtime on a CPython subprocess. Each
// runtime owns a private site directory; packages are installed by unpacking
// wheels into it and every cell runs in a fresh interpreter with that
// directory on PYTHONPATH.
package python

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/cellkernel/internal/registry"
	"github.com/seantiz/cellkernel/internal/runtime"
)

const (
	defaultPython   = "python3"
	defaultIndexURL = "https://pypi.org"

	// maxChunkSize bounds a single streamed output chunk. Longer lines are
	// split.
	maxChunkSize = 64 * 1024
)

// Config configures CPython runtimes.
type Config struct {
	// Python is the interpreter binary. Defaults to python3.
	Python string
	// SiteDir is the parent directory of per-runtime site directories.
	// Defaults to the system temp directory.
	SiteDir string
	// IndexURL is the package index base URL. Defaults to https://pypi.org.
	IndexURL string
	Logger   *slog.Logger
}

// Runtime runs cells in a CPython subprocess.
type Runtime struct {
	python   string
	indexURL string
	siteDir  string
	client   *http.Client
	logger   *slog.Logger
	version  string
	stdlib   map[string]bool

	// preinstalled are distributions importable without the site dir.
	preinstalled []string

	mu      sync.Mutex
	outputs map[runtime.Stream]func(string)
	running map[*exec.Cmd]struct{}
	closed  bool
}

var _ runtime.Runtime = (*Runtime)(nil)

// NewFactory returns a runtime.Factory creating CPython runtimes from cfg.
func NewFactory(cfg Config) runtime.Factory {
	return func(ctx context.Context, client *http.Client) (runtime.Runtime, error) {
		return New(ctx, cfg, client)
	}
}

// New inspects the interpreter and creates a runtime with an empty site
// directory.
func New(ctx context.Context, cfg Config, client *http.Client) (*Runtime, error) {
	r := newRuntime(cfg, client)

	info, err := r.inspect(ctx)
	if err != nil {
		return nil, err
	}
	r.version = info.Version
	for _, name := range info.Stdlib {
		r.stdlib[name] = true
	}
	for _, name := range info.Distributions {
		r.preinstalled = append(r.preinstalled, registry.Normalize(name))
	}

	if cfg.SiteDir != "" {
		if err := os.MkdirAll(cfg.SiteDir, 0o755); err != nil {
			return nil, fmt.Errorf("create site parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(cfg.SiteDir, "site-")
	if err != nil {
		return nil, fmt.Errorf("create site dir: %w", err)
	}
	r.siteDir = dir

	r.logger.Info("python runtime started", "version", r.version, "site_dir", dir)
	return r, nil
}

func newRuntime(cfg Config, client *http.Client) *Runtime {
	if cfg.Python == "" {
		cfg.Python = defaultPython
	}
	if cfg.IndexURL == "" {
		cfg.IndexURL = defaultIndexURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Runtime{
		python:   cfg.Python,
		indexURL: strings.TrimSuffix(cfg.IndexURL, "/"),
		client:   client,
		logger:   cfg.Logger,
		stdlib:   map[string]bool{"__future__": true},
		outputs:  make(map[runtime.Stream]func(string)),
		running:  make(map[*exec.Cmd]struct{}),
	}
}

func (r *Runtime) inspect(ctx context.Context) (interpreterInfo, error) {
	out, err := exec.CommandContext(ctx, r.python, "-c", inspectScript).Output()
	if err != nil {
		return interpreterInfo{}, fmt.Errorf("inspect %s: %w", r.python, err)
	}
	var p interpreterInfo
	if err := json.Unmarshal(out, &p); err != nil {
		return interpreterInfo{}, fmt.Errorf("decode interpreter info: %w", err)
	}
	return p, nil
}

// Execute runs code in a new interpreter process.
func (r *Runtime) Execute(ctx context.Context, code string) (any, error) {
	if r.isClosed() {
		return nil, runtime.ErrClosed
	}

	cmd := exec.CommandContext(ctx, r.python, "-u", "-c", driverScript)
	cmd.Dir = r.siteDir
	cmd.Env = append(os.Environ(), "PYTHONPATH="+r.siteDir, "PYTHONUNBUFFERED=1")
	cmd.Stdin = strings.NewReader(code)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("result pipe: %w", err)
	}
	defer resultR.Close()
	cmd.ExtraFiles = []*os.File{resultW}

	if err := r.start(cmd); err != nil {
		resultW.Close()
		return nil, err
	}
	defer r.forget(cmd)
	resultW.Close()

	var wg sync.WaitGroup
	wg.Go(func() { r.streamLines(runtime.Stdout, stdoutPipe) })
	wg.Go(func() { r.streamLines(runtime.Stderr, stderrPipe) })

	var raw []byte
	var readErr error
	wg.Go(func() { raw, readErr = io.ReadAll(resultR) })

	wg.Wait()
	waitErr := cmd.Wait()

	var res driverResult
	if readErr != nil || len(raw) == 0 || json.Unmarshal(raw, &res) != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if waitErr != nil {
			return nil, fmt.Errorf("interpreter exited: %w", waitErr)
		}
		return nil, errors.New("interpreter produced no result")
	}
	if !res.OK {
		return nil, errors.New(strings.TrimRight(res.Error, "\n"))
	}
	return res.Result, nil
}

// start launches cmd and tracks it until forget so Close can kill it.
func (r *Runtime) start(cmd *exec.Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return runtime.ErrClosed
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.python, err)
	}
	r.running[cmd] = struct{}{}
	return nil
}

func (r *Runtime) forget(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, cmd)
}

// streamLines forwards rd line by line to the handler registered for
// stream. Each chunk keeps its own terminator; a final unterminated segment
// is forwarded as is.
func (r *Runtime) streamLines(stream runtime.Stream, rd io.Reader) {
	br := bufio.NewReaderSize(rd, maxChunkSize)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if fn := r.output(stream); fn != nil {
				fn(string(chunk))
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return
		default:
			r.logger.Warn("output stream ended", "stream", string(stream), "error", err)
			io.Copy(io.Discard, rd)
			return
		}
	}
}

func (r *Runtime) output(stream runtime.Stream) func(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[stream]
}

func (r *Runtime) RedirectOutput(stream runtime.Stream, onChunk func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[stream] = onChunk
}

// LoadPackages downloads and installs each named distribution. Every name is
// attempted; the returned error joins the individual failures.
func (r *Runtime) LoadPackages(ctx context.Context, names []string) error {
	if r.isClosed() {
		return runtime.ErrClosed
	}
	var errs []error
	for _, name := range names {
		if err := r.install(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("install %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) install(ctx context.Context, name string) error {
	url, err := r.resolveWheel(ctx, name)
	if err != nil {
		return err
	}
	payload, err := r.download(ctx, url)
	if err != nil {
		return err
	}
	if err := extractWheel(r.siteDir, payload); err != nil {
		return err
	}
	r.logger.Debug("package installed", "package", name, "url", url, "bytes", len(payload))
	return nil
}

// LoadPackageBytes unpacks a cached wheel into the site directory.
func (r *Runtime) LoadPackageBytes(_ context.Context, name string, payload []byte) error {
	if r.isClosed() {
		return runtime.ErrClosed
	}
	if err := extractWheel(r.siteDir, payload); err != nil {
		return fmt.Errorf("install %s from cache: %w", name, err)
	}
	return nil
}

// ImportsFromSource scans import statements and returns the distribution
// names of non-stdlib, absolute imports in first-seen order.
func (r *Runtime) ImportsFromSource(_ context.Context, code string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, mod := range importedModules(code) {
		if r.stdlib[mod] {
			continue
		}
		dist := distributionFor(mod)
		if !seen[dist] {
			seen[dist] = true
			out = append(out, dist)
		}
	}
	return out, nil
}

// LoadedModules lists distributions installed in the site directory together
// with those the interpreter provided when the runtime started.
func (r *Runtime) LoadedModules(context.Context) ([]string, error) {
	if r.isClosed() {
		return nil, runtime.ErrClosed
	}
	entries, err := os.ReadDir(r.siteDir)
	if err != nil {
		return nil, fmt.Errorf("read site dir: %w", err)
	}
	out := slices.Clone(r.preinstalled)
	for _, e := range entries {
		if name, ok := distInfoName(e.Name()); ok && e.IsDir() {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (r *Runtime) Version() string { return r.version }

// Close kills running interpreters and removes the runtime's site directory.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for cmd := range r.running {
		cmd.Process.Kill()
	}
	r.mu.Unlock()

	if r.siteDir == "" {
		return nil
	}
	if err := os.RemoveAll(r.siteDir); err != nil {
		return fmt.Errorf("remove site dir: %w", err)
	}
	return nil
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// distInfoName parses "<name>-<version>.dist-info".
func distInfoName(dir string) (string, bool) {
	base, ok := strings.CutSuffix(dir, ".dist-info")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(base, "-")
	if name == "" {
		return "", false
	}
	return registry.Normalize(name), true
}

// importAliases maps import names to the distributions that provide them
// where the two differ.
var importAliases = map[string]string{
	"PIL":      "pillow",
	"sklearn":  "scikit-learn",
	"cv2":      "opencv-python",
	"yaml":     "pyyaml",
	"bs4":      "beautifulsoup4",
	"dateutil": "python-dateutil",
	"skimage":  "scikit-image",
	"attr":     "attrs",
}

func distributionFor(module string) string {
	if dist, ok := importAliases[module]; ok {
		return dist
	}
	return registry.Normalize(module)
}

// importedModules returns the top-level module of every absolute import in
// code, one entry per occurrence.
func importedModules(code string) []string {
	var mods []string
	for line := range strings.Lines(code) {
		line, _, _ = strings.Cut(line, "#")
		for stmt := range strings.SplitSeq(line, ";") {
			stmt = strings.TrimSpace(stmt)
			switch {
			case strings.HasPrefix(stmt, "import "):
				for part := range strings.SplitSeq(strings.TrimPrefix(stmt, "import "), ",") {
					fields := strings.Fields(part)
					if len(fields) > 0 {
						mods = appendTopLevel(mods, fields[0])
					}
				}
			case strings.HasPrefix(stmt, "from "):
				fields := strings.Fields(strings.TrimPrefix(stmt, "from "))
				if len(fields) >= 2 && fields[1] == "import" {
					mods = appendTopLevel(mods, fields[0])
				}
			}
		}
	}
	return mods
}

func appendTopLevel(mods []string, path string) []string {
	if strings.HasPrefix(path, ".") {
		return mods
	}
	top, _, _ := strings.Cut(path, ".")
	if top == "" {
		return mods
	}
	return append(mods, top)
}
