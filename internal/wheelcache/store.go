// Package wheelcache persists downloaded package archives keyed by package
// name so later runtime instances can install them without the network.
package wheelcache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be opened or
// reached. Callers treat it as a cache miss or a skipped write.
var ErrUnavailable = errors.New("wheel cache unavailable")

// SummaryLimit is the number of records above which List reports only the
// count and omits per-record summaries.
const SummaryLimit = 100

// Record is one cached package archive.
type Record struct {
	Name      string
	SourceURL string
	Payload   []byte
	Timestamp time.Time
}

// Summary describes a record without its payload.
type Summary struct {
	Name      string    `json:"name"`
	SourceURL string    `json:"url"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Listing is the diagnostic view of the store.
type Listing struct {
	Count     int       `json:"count"`
	Summaries []Summary `json:"summaries,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Store defines the operations on the persistent wheel cache. Names are
// normalized by the implementation.
type Store interface {
	// Get returns the payload for name. A missing record and an unavailable
	// store both report false.
	Get(ctx context.Context, name string) ([]byte, bool)

	// Put atomically inserts or replaces the record for name.
	Put(ctx context.Context, name, sourceURL string, payload []byte) error

	// Clear removes every record. Clearing an unavailable store succeeds
	// without doing anything.
	Clear(ctx context.Context) error

	// Count returns the number of records, or 0 when unavailable.
	Count(ctx context.Context) int

	// List returns record summaries, omitting them when the store holds more
	// than SummaryLimit records.
	List(ctx context.Context) (Listing, error)

	Close() error
}

// Nop is a Store that holds nothing. It backs the "none" cache backend.
type Nop struct{}

var _ Store = Nop{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Put(context.Context, string, string, []byte) error { return nil }
func (Nop) Clear(context.Context) error { return nil }
func (Nop) Count(context.Context) int { return 0 }
func (Nop) List(context.Context) (Listing, error) { return Listing{}, nil }
func (Nop) Close() error { return nil }
