package runtime

import (
	"context"
	"errors"
	"net/http"
)

// Stream identifies one of the runtime's output streams.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ErrClosed is returned by operations on a runtime after Close.
var ErrClosed = errors.New("runtime closed")

// Runtime is the interpreter a coordinator drives. Implementations must allow
// RedirectOutput and LoadedModules to be called while Execute is running;
// everything else is called serially by the owner.
type Runtime interface {
	// LoadPackages installs the named distributions from the package index
	// in one operation. Downloads go through the HTTP client the runtime was
	// created with.
	LoadPackages(ctx context.Context, names []string) error

	// LoadPackageBytes installs a distribution from a previously downloaded
	// archive without touching the network.
	LoadPackageBytes(ctx context.Context, name string, payload []byte) error

	// ImportsFromSource returns the distribution names that code needs but
	// which are not part of the interpreter's standard library.
	ImportsFromSource(ctx context.Context, code string) ([]string, error)

	// Execute runs code and returns the value of its final expression, or
	// nil when there is none. A raised exception is returned as an error
	// whose text is the formatted traceback.
	Execute(ctx context.Context, code string) (any, error)

	// RedirectOutput routes each chunk written to stream to onChunk, in
	// production order. A nil onChunk discards the stream.
	RedirectOutput(stream Stream, onChunk func(string))

	// LoadedModules lists the normalized names of installed distributions.
	LoadedModules(ctx context.Context) ([]string, error)

	// Version describes the interpreter, e.g. "CPython 3.12.1".
	Version() string

	Close() error
}

// Factory creates a runtime whose network fetches use client.
type Factory func(ctx context.Context, client *http.Client) (Runtime, error)
