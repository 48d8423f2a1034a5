// Package fetch provides the runtime's outbound HTTP transport and an
// interceptor that captures downloaded package archives as they stream past.
package fetch

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/seantiz/cellkernel/internal/registry"
)

// ArchiveSuffix is the URL path suffix of responses the interceptor captures.
const ArchiveSuffix = ".whl"

// ErrAlreadyInstalled is returned by Install while a previous installation
// has not been released.
var ErrAlreadyInstalled = errors.New("fetch interceptor already installed")

// Transport is an http.RoundTripper whose delegate can be swapped at runtime.
// Requests already in flight keep the delegate they started with.
type Transport struct {
	mu   sync.RWMutex
	base http.RoundTripper
}

// NewTransport returns a Transport delegating to base, or to
// http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.current().RoundTrip(req)
}

// Client returns an http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) current() http.RoundTripper {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.base
}

// swap replaces the delegate and returns the previous one.
func (t *Transport) swap(rt http.RoundTripper) http.RoundTripper {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.base
	t.base = rt
	return prev
}

// CaptureFunc receives a fully downloaded archive. name is normalized.
type CaptureFunc func(name, sourceURL string, payload []byte)

// Interceptor installs a capturing wrapper around a Transport.
type Interceptor struct {
	transport *Transport
	logger    *slog.Logger

	mu       sync.Mutex
	active   bool
	inflight sync.WaitGroup
}

// NewInterceptor returns an Interceptor for t.
func NewInterceptor(t *Transport, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Interceptor{transport: t, logger: logger}
}

// Install wraps the transport so that every successful archive download is
// handed to onCapture once its body has been read to EOF. The returned
// release func restores the original delegate and waits for pending
// callbacks. Calling release more than once is harmless.
func (i *Interceptor) Install(onCapture CaptureFunc) (release func(), err error) {
	if onCapture == nil {
		return nil, errors.New("fetch: nil capture func")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active {
		return nil, ErrAlreadyInstalled
	}
	i.active = true

	orig := i.transport.current()
	i.transport.swap(&capturingTransport{
		next:      orig,
		onCapture: onCapture,
		inflight:  &i.inflight,
		logger:    i.logger,
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			i.transport.swap(orig)
			i.inflight.Wait()
			i.mu.Lock()
			i.active = false
			i.mu.Unlock()
		})
	}, nil
}

// Active reports whether an installation is outstanding.
func (i *Interceptor) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

type capturingTransport struct {
	next      http.RoundTripper
	onCapture CaptureFunc
	inflight  *sync.WaitGroup
	logger    *slog.Logger
}

func (c *capturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Body == nil {
		return resp, nil
	}
	name := ArchiveName(req.URL.Path)
	if name == "" {
		return resp, nil
	}

	c.inflight.Add(1)
	resp.Body = &teeBody{
		body:      resp.Body,
		name:      name,
		sourceURL: req.URL.String(),
		owner:     c,
	}
	return resp, nil
}

// teeBody copies everything read from body. Reaching EOF schedules the
// capture; closing early discards the partial copy.
type teeBody struct {
	body      io.ReadCloser
	buf       bytes.Buffer
	name      string
	sourceURL string
	owner     *capturingTransport

	once sync.Once
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.buf.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		b.finish(true)
	} else if err != nil {
		b.finish(false)
	}
	return n, err
}

func (b *teeBody) Close() error {
	err := b.body.Close()
	b.finish(false)
	return err
}

func (b *teeBody) finish(complete bool) {
	b.once.Do(func() {
		if !complete {
			b.owner.logger.Debug("archive download not captured", "package", b.name, "url", b.sourceURL)
			b.owner.inflight.Done()
			return
		}
		payload := b.buf.Bytes()
		go func() {
			defer b.owner.inflight.Done()
			b.owner.onCapture(b.name, b.sourceURL, payload)
		}()
	})
}

// ArchiveName returns the normalized package name encoded in an archive URL
// path (the file name text before the first '-'), or "" if the path does not
// name an archive.
func ArchiveName(urlPath string) string {
	if !strings.HasSuffix(urlPath, ArchiveSuffix) {
		return ""
	}
	file := path.Base(urlPath)
	name, _, _ := strings.Cut(strings.TrimSuffix(file, ArchiveSuffix), "-")
	if name == "" {
		return ""
	}
	return registry.Normalize(name)
}
