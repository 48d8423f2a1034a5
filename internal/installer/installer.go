// Package installer decides, per requested package, whether to skip it,
// install it from the wheel cache, or fetch it from the package index, and
// records the outcome in the session registry.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/cellkernel/internal/fetch"
	"github.com/seantiz/cellkernel/internal/observability"
	"github.com/seantiz/cellkernel/internal/registry"
	"github.com/seantiz/cellkernel/internal/runtime"
	"github.com/seantiz/cellkernel/internal/wheelcache"
)

// DefaultBatchSize is the number of packages installed per network call.
const DefaultBatchSize = 3

// errPanic marks a runtime call that panicked.
var errPanic = errors.New("runtime panicked")

// Report is the outcome of one EnsureInstalled call. Names are normalized.
// Cached is the subset of Installed that came from the wheel cache.
type Report struct {
	Installed []string `json:"installed"`
	Cached    []string `json:"cached,omitempty"`
	Skipped   []string `json:"skipped"`
	Failed    []string `json:"failed"`
}

// Config holds an installer's collaborators.
type Config struct {
	Registry    *registry.Registry
	Cache       wheelcache.Store
	Interceptor *fetch.Interceptor
	BatchSize   int
	Logger      *slog.Logger
}

// Installer installs packages into one runtime. Calls are serialized.
type Installer struct {
	rt          runtime.Runtime
	reg         *registry.Registry
	cache       wheelcache.Store
	interceptor *fetch.Interceptor
	batchSize   int
	logger      *slog.Logger

	mu sync.Mutex
}

// New creates an installer for rt. A nil Cache disables the cache tier and
// a nil Interceptor disables download capture.
func New(rt runtime.Runtime, cfg Config) *Installer {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Cache == nil {
		cfg.Cache = wheelcache.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Installer{
		rt:          rt,
		reg:         cfg.Registry,
		cache:       cfg.Cache,
		interceptor: cfg.Interceptor,
		batchSize:   cfg.BatchSize,
		logger:      cfg.Logger,
	}
}

// EnsureInstalled makes every name available in the runtime where possible.
// It never fails; per-package failures are reported and logged.
func (i *Installer) EnsureInstalled(ctx context.Context, names []string) Report {
	i.mu.Lock()
	defer i.mu.Unlock()

	names = normalizeAll(names)
	ctx, span := observability.StartSpan(ctx, "installer.EnsureInstalled",
		attribute.StringSlice("packages", names))
	defer span.End()

	var report Report
	if len(names) == 0 {
		return report
	}

	pending := i.skipSatisfied(ctx, names, &report)
	pending = i.installFromCache(ctx, pending, &report)
	if len(pending) > 0 {
		i.installFromNetwork(ctx, names, pending, &report)
	}

	span.SetAttributes(
		attribute.Int("installed", len(report.Installed)),
		attribute.Int("cached", len(report.Cached)),
		attribute.Int("skipped", len(report.Skipped)),
		attribute.Int("failed", len(report.Failed)),
	)
	if len(report.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d packages failed", len(report.Failed)))
	}
	observeReport(report)

	i.logger.Info("packages ensured",
		"installed", len(report.Installed),
		"cached", len(report.Cached),
		"skipped", len(report.Skipped),
		"failed", report.Failed,
	)
	return report
}

// skipSatisfied drops names the runtime already has or the registry
// recorded as loaded, and returns the rest.
func (i *Installer) skipSatisfied(ctx context.Context, names []string, report *Report) []string {
	live := make(map[string]bool)
	mods, err := i.rt.LoadedModules(ctx)
	if err != nil {
		i.logger.Warn("list runtime modules failed", "error", err)
	}
	for _, m := range mods {
		live[registry.Normalize(m)] = true
	}

	var pending []string
	for _, name := range names {
		if live[name] || i.reg.IsLoaded(name) {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		pending = append(pending, name)
	}
	return pending
}

// installFromCache installs names that have a wheel cache record and returns
// the names still needing the network. A cached payload the runtime rejects
// falls through to the network.
func (i *Installer) installFromCache(ctx context.Context, names []string, report *Report) []string {
	var pending []string
	for _, name := range names {
		payload, ok := i.cache.Get(ctx, name)
		if !ok {
			pending = append(pending, name)
			continue
		}

		i.reg.MarkLoading(name)
		err := i.guard(func() error { return i.rt.LoadPackageBytes(ctx, name, payload) })
		if err != nil {
			i.logger.Warn("cached wheel rejected", "package", name, "error", err)
			pending = append(pending, name)
			continue
		}
		i.reg.MarkLoaded(name)
		report.Installed = append(report.Installed, name)
		report.Cached = append(report.Cached, name)
		i.logger.Debug("package installed from cache", "package", name, "bytes", len(payload))
	}
	return pending
}

// installFromNetwork installs names in sequential batches with the fetch
// interceptor capturing every downloaded wheel into the cache. requested is
// the full list the caller asked for, used by the whole-list retry.
func (i *Installer) installFromNetwork(ctx context.Context, requested, names []string, report *Report) {
	for _, name := range names {
		i.reg.MarkLoading(name)
	}

	release, err := i.installInterceptor(ctx)
	if err != nil {
		i.logger.Warn("batch install path failed", "stage", "interceptor", "error", err)
		i.retryAll(ctx, requested, names, report)
		return
	}
	defer release()

	completed := 0
	for start := 0; start < len(names); start += i.batchSize {
		batch := names[start:min(start+i.batchSize, len(names))]
		err := i.loadBatch(ctx, batch)

		if errors.Is(err, errPanic) && completed == 0 {
			i.logger.Warn("batch install path failed", "stage", "batch", "batch", batch, "error", err)
			i.retryAll(ctx, requested, names, report)
			return
		}
		if err != nil {
			i.logger.Warn("package batch failed", "batch", batch, "error", err)
			i.markFailed(batch, report)
		} else {
			i.markLoaded(batch, report)
		}
		completed++
	}
}

// installInterceptor starts capturing downloads. An interceptor that is
// already active (owned by another caller) is tolerated without capture.
func (i *Installer) installInterceptor(ctx context.Context) (func(), error) {
	if i.interceptor == nil {
		return func() {}, nil
	}
	release, err := i.interceptor.Install(i.captureFunc(ctx))
	if errors.Is(err, fetch.ErrAlreadyInstalled) {
		i.logger.Debug("fetch interceptor busy, downloads will not be cached")
		return func() {}, nil
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (i *Installer) captureFunc(ctx context.Context) fetch.CaptureFunc {
	ctx = context.WithoutCancel(ctx)
	return func(name, sourceURL string, payload []byte) {
		if err := i.cache.Put(ctx, name, sourceURL, payload); err != nil {
			i.logger.Warn("wheel cache write skipped", "package", name, "error", err)
			return
		}
		i.logger.Debug("wheel cached", "package", name, "url", sourceURL, "bytes", len(payload))
	}
}

// retryAll makes the single attempt with the whole requested list after the
// batch path failed. Its outcome is recorded for pending, the names that
// were still missing; the rest were already reported as skipped or cached.
func (i *Installer) retryAll(ctx context.Context, requested, pending []string, report *Report) {
	release, err := i.installInterceptor(ctx)
	if err != nil {
		release = func() {}
	}
	defer release()

	if err := i.loadBatch(ctx, requested); err != nil {
		i.logger.Warn("whole-list retry failed", "packages", requested, "error", err)
		i.markFailed(pending, report)
		return
	}
	i.markLoaded(pending, report)
}

// loadBatch installs one batch, converting a runtime panic into errPanic.
func (i *Installer) loadBatch(ctx context.Context, batch []string) error {
	start := time.Now()
	err := i.guard(func() error { return i.rt.LoadPackages(ctx, batch) })
	batchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		batchesTotal.WithLabelValues("failed").Inc()
	} else {
		batchesTotal.WithLabelValues("ok").Inc()
	}
	return err
}

func (i *Installer) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return fn()
}

func (i *Installer) markLoaded(names []string, report *Report) {
	for _, n := range names {
		i.reg.MarkLoaded(n)
		report.Installed = append(report.Installed, n)
	}
}

func (i *Installer) markFailed(names []string, report *Report) {
	for _, n := range names {
		i.reg.MarkFailed(n)
		report.Failed = append(report.Failed, n)
	}
}

// normalizeAll normalizes names, dropping blanks and duplicates.
func normalizeAll(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = registry.Normalize(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
