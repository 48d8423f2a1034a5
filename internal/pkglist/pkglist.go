// Package pkglist fetches the list of packages a worker preloads, caching a
// successful result for a fixed TTL and falling back to a static list.
package pkglist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a successfully fetched list is served from cache.
const DefaultTTL = 24 * time.Hour

// maxListBody bounds the size of the list response.
const maxListBody = 1 << 20

// DefaultPackages is returned whenever the remote list is unavailable.
var DefaultPackages = []string{
	"numpy",
	"pandas",
	"matplotlib",
	"scipy",
	"scikit-learn",
	"sympy",
	"networkx",
	"requests",
	"beautifulsoup4",
}

// Entry is one cached list result. It is replaced wholesale, never edited.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Packages  []string  `json:"packages"`
}

// listResponse is the expected body of the list endpoint.
type listResponse struct {
	Packages *[]string `json:"packages"`
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient sets the client used for the list request.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Source) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithDefaults overrides DefaultPackages.
func WithDefaults(pkgs []string) Option {
	return func(s *Source) {
		if len(pkgs) > 0 {
			s.defaults = slices.Clone(pkgs)
		}
	}
}

// WithClock sets the time source; tests use it to move past the TTL.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithLogger sets the logger for fetch failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source returns the package list, serving a cached copy while it is fresh.
// It is safe for concurrent use; concurrent misses share one request.
type Source struct {
	url      string
	client   *http.Client
	ttl      time.Duration
	defaults []string
	now      func() time.Time
	logger   *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	entry *Entry
}

// NewSource creates a list source for url. An empty url disables the network
// and Packages always returns the defaults.
func NewSource(url string, opts ...Option) *Source {
	s := &Source{
		url:      url,
		client:   &http.Client{Timeout: 30 * time.Second},
		ttl:      DefaultTTL,
		defaults: slices.Clone(DefaultPackages),
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Packages returns the package names to preload. It never fails.
func (s *Source) Packages(ctx context.Context) []string {
	if e, ok := s.fresh(); ok {
		return slices.Clone(e.Packages)
	}
	if s.url == "" {
		return slices.Clone(s.defaults)
	}

	v, _, _ := s.group.Do(s.url, func() (any, error) {
		// Another caller may have refreshed the entry while we waited.
		if e, ok := s.fresh(); ok {
			return e.Packages, nil
		}
		pkgs, err := s.fetch(ctx)
		if err != nil {
			s.logger.Warn("package list fetch failed, using defaults", "url", s.url, "error", err)
			return s.defaults, nil
		}
		s.mu.Lock()
		s.entry = &Entry{Timestamp: s.now(), Packages: pkgs}
		s.mu.Unlock()
		return pkgs, nil
	})
	return slices.Clone(v.([]string))
}

// Cached returns the current cache entry, fresh or not.
func (s *Source) Cached() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return Entry{}, false
	}
	return Entry{Timestamp: s.entry.Timestamp, Packages: slices.Clone(s.entry.Packages)}, true
}

// TTL returns the freshness window.
func (s *Source) TTL() time.Duration {
	return s.ttl
}

// Invalidate drops the cached entry.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = nil
}

func (s *Source) fresh() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil || s.now().Sub(s.entry.Timestamp) >= s.ttl {
		return Entry{}, false
	}
	return *s.entry, true
}

func (s *Source) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get package list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("package list status %d", resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxListBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode package list: %w", err)
	}
	if body.Packages == nil {
		return nil, fmt.Errorf("decode package list: missing packages field")
	}
	return *body.Packages, nil
}
