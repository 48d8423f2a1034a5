package wheelcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "wheels.db"), nil)
	t.Cleanup(func() { s.Close() })
	return s
}

// wheelBytes returns a payload that exercises binary safety (NUL bytes, high bytes).
func wheelBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := wheelBytes(4096)

	if err := s.Put(ctx, "numpy", "https://files.example/numpy-1.26.0-py3-none-any.whl", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get(ctx, "numpy")
	if !ok {
		t.Fatal("Get reported miss after Put")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload differs after round trip: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.Get(context.Background(), "nonexistent"); ok {
		t.Error("Get reported hit for a name never stored")
	}
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "attrs", "https://a/attrs-1.whl", []byte("old")); err != nil {
		t.Fatalf("Put old: %v", err)
	}
	if err := s.Put(ctx, "attrs", "https://a/attrs-2.whl", []byte("new payload")); err != nil {
		t.Fatalf("Put new: %v", err)
	}

	got, ok := s.Get(ctx, "attrs")
	if !ok || string(got) != "new payload" {
		t.Errorf("Get = %q, %v; want %q", got, ok, "new payload")
	}
	if n := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	listing, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing.Summaries) != 1 || listing.Summaries[0].SourceURL != "https://a/attrs-2.whl" {
		t.Errorf("summaries = %+v, want single record with new url", listing.Summaries)
	}
}

func TestPutNormalizesNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "Scikit_Learn", "u", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := s.Get(ctx, "scikit-learn"); !ok {
		t.Error("Get(scikit-learn) missed a record stored as Scikit_Learn")
	}
}

func TestPutRejectsEmptyPayload(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put(context.Background(), "empty", "u", nil); err == nil {
		t.Fatal("Put with empty payload succeeded")
	}
	if _, ok := s.Get(context.Background(), "empty"); ok {
		t.Error("empty payload became visible")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	names := []string{"numpy", "pandas", "scipy"}
	for _, n := range names {
		if err := s.Put(ctx, n, "u/"+n, []byte(n)); err != nil {
			t.Fatalf("Put %s: %v", n, err)
		}
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	for _, n := range names {
		if _, ok := s.Get(ctx, n); ok {
			t.Errorf("Get(%s) hit after Clear", n)
		}
	}
	if c := s.Count(ctx); c != 0 {
		t.Errorf("Count after Clear = %d, want 0", c)
	}
}

func TestListSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "zlib-ng", "u/z", wheelBytes(10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "attrs", "u/a", wheelBytes(3)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	listing, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listing.Count != 2 || listing.Truncated {
		t.Fatalf("listing = %+v, want count 2 untruncated", listing)
	}
	if listing.Summaries[0].Name != "attrs" || listing.Summaries[1].Name != "zlib-ng" {
		t.Errorf("summaries not sorted by name: %+v", listing.Summaries)
	}
	if listing.Summaries[0].Size != 3 || listing.Summaries[1].Size != 10 {
		t.Errorf("sizes = %d, %d; want 3, 10", listing.Summaries[0].Size, listing.Summaries[1].Size)
	}
	if listing.Summaries[0].Timestamp.IsZero() {
		t.Error("summary timestamp is zero")
	}
}

func TestListLargeStoreOmitsSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i <= SummaryLimit; i++ {
		if err := s.Put(ctx, fmt.Sprintf("pkg%03d", i), "u", []byte{1}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	listing, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listing.Count != SummaryLimit+1 {
		t.Errorf("Count = %d, want %d", listing.Count, SummaryLimit+1)
	}
	if !listing.Truncated || listing.Summaries != nil {
		t.Errorf("large listing = truncated %v with %d summaries, want truncated with none",
			listing.Truncated, len(listing.Summaries))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wheels.db")
	ctx := context.Background()
	payload := wheelBytes(128)

	first := NewSQLiteStore(path, nil)
	if err := first.Put(ctx, "numpy", "u", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The same instance reopens lazily after Close.
	if got, ok := first.Get(ctx, "numpy"); !ok || !bytes.Equal(got, payload) {
		t.Error("record missing after Close and lazy reopen")
	}
	first.Close()

	second := NewSQLiteStore(path, nil)
	defer second.Close()
	if got, ok := second.Get(ctx, "numpy"); !ok || !bytes.Equal(got, payload) {
		t.Error("record missing from a new store on the same file")
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wheels.db")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s := NewSQLiteStore(path, nil)
		db, err := s.handle(ctx)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		var version int
		if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			t.Fatalf("read user_version: %v", err)
		}
		if version != schemaVersion {
			t.Errorf("user_version = %d, want %d", version, schemaVersion)
		}
		s.Close()
	}
}

func TestConcurrentStoresOnSameFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wheels.db")
	ctx := context.Background()

	// Create the file and schema before the writers race.
	seed := NewSQLiteStore(path, nil)
	if n := seed.Count(ctx); n != 0 {
		t.Fatalf("fresh store Count = %d", n)
	}
	seed.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Go(func() {
			s := NewSQLiteStore(path, nil)
			defer s.Close()
			if err := s.Put(ctx, "shared", "u", []byte(fmt.Sprintf("writer-%d", i))); err != nil {
				errs <- err
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Put: %v", err)
	}

	s := NewSQLiteStore(path, nil)
	defer s.Close()
	got, ok := s.Get(ctx, "shared")
	if !ok || !bytes.HasPrefix(got, []byte("writer-")) {
		t.Errorf("Get(shared) = %q, %v; want one complete writer payload", got, ok)
	}
	if n := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestUnavailableStoreDegrades(t *testing.T) {
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "missing", "dir", "wheels.db"), nil)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "numpy"); ok {
		t.Error("Get on unavailable store reported a hit")
	}
	if err := s.Put(ctx, "numpy", "u", []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Put error = %v, want ErrUnavailable", err)
	}
	if n := s.Count(ctx); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	if _, err := s.List(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("List error = %v, want ErrUnavailable", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Errorf("Clear on unavailable store = %v, want nil", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewSQLiteStore(":memory:", nil)
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "numpy", "u", []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, ok := s.Get(ctx, "numpy"); !ok || string(got) != "abc" {
		t.Errorf("Get = %q, %v", got, ok)
	}
}
