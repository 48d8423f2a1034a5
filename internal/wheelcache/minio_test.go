package wheelcache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// s3Object is one object held by s3Stub.
type s3Object struct {
	payload  []byte
	meta     map[string]string
	modified time.Time
}

// s3Stub is an in-memory S3 endpoint covering the calls MinIOStore makes:
// bucket head and create, object put and get, ListObjectsV2 with metadata
// and multi-object delete.
type s3Stub struct {
	mu      sync.Mutex
	buckets map[string]map[string]s3Object
	deny    bool
}

func newS3Stub(t *testing.T) (*s3Stub, *httptest.Server) {
	t.Helper()
	stub := &s3Stub{buckets: make(map[string]map[string]s3Object)}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *s3Stub) hasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

func (s *s3Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deny {
		s3Error(w, http.StatusForbidden, "AccessDenied")
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	objects, exists := s.buckets[bucket]
	query := r.URL.Query()

	switch {
	case key == "" && r.Method == http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
		}
	case key == "" && r.Method == http.MethodPut:
		if !exists {
			s.buckets[bucket] = make(map[string]s3Object)
		}
	case !exists:
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
	case key == "" && r.Method == http.MethodGet && query.Get("list-type") == "2":
		writeListing(w, bucket, query.Get("prefix"), objects)
	case key == "" && r.Method == http.MethodPost && query.Has("delete"):
		deleteObjects(w, r, objects)
	case r.Method == http.MethodPut:
		payload, err := readS3Body(r)
		if err != nil {
			s3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		meta := make(map[string]string)
		for name, values := range r.Header {
			if strings.HasPrefix(name, amzMetaPrefix) && len(values) > 0 {
				meta[name] = values[0]
			}
		}
		objects[key] = s3Object{payload: payload, meta: meta, modified: time.Now().UTC()}
		w.Header().Set("ETag", etag(payload))
	case r.Method == http.MethodGet:
		obj, ok := objects[key]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		for name, v := range obj.meta {
			w.Header().Set(name, v)
		}
		w.Header().Set("Content-Type", wheelMediaType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.payload)))
		w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		w.Header().Set("ETag", etag(obj.payload))
		w.Write(obj.payload)
	default:
		s3Error(w, http.StatusNotImplemented, "NotImplemented")
	}
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<Error><Code>%s</Code><Message>%s</Message></Error>", code, code)
}

func etag(payload []byte) string {
	sum := md5.Sum(payload)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// readS3Body returns the request payload, decoding aws-chunked bodies that
// the client sends with streaming signatures over plain HTTP.
func readS3Body(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}
	br := bufio.NewReader(r.Body)
	var out []byte
	for {
		header, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(header), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func writeListing(w http.ResponseWriter, bucket, prefix string, objects map[string]s3Object) {
	var keys []string
	for k := range objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	buf.WriteString("<ListBucketResult>")
	fmt.Fprintf(&buf, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount>", bucket, prefix, len(keys))
	buf.WriteString("<MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>")
	for _, k := range keys {
		obj := objects[k]
		buf.WriteString("<Contents><Key>")
		xml.EscapeText(&buf, []byte(k))
		fmt.Fprintf(&buf, "</Key><LastModified>%s</LastModified><Size>%d</Size>",
			obj.modified.Format(time.RFC3339Nano), len(obj.payload))
		buf.WriteString("<StorageClass>STANDARD</StorageClass><UserMetadata>")
		for name, v := range obj.meta {
			fmt.Fprintf(&buf, "<%s>", name)
			xml.EscapeText(&buf, []byte(v))
			fmt.Fprintf(&buf, "</%s>", name)
		}
		buf.WriteString("</UserMetadata></Contents>")
	}
	buf.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	w.Write(buf.Bytes())
}

func deleteObjects(w http.ResponseWriter, r *http.Request, objects map[string]s3Object) {
	var req struct {
		Objects []struct {
			Key string
		} `xml:"Object"`
	}
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		s3Error(w, http.StatusBadRequest, "MalformedXML")
		return
	}
	var buf bytes.Buffer
	buf.WriteString("<DeleteResult>")
	for _, o := range req.Objects {
		delete(objects, o.Key)
		buf.WriteString("<Deleted><Key>")
		xml.EscapeText(&buf, []byte(o.Key))
		buf.WriteString("</Key></Deleted>")
	}
	buf.WriteString("</DeleteResult>")
	w.Header().Set("Content-Type", "application/xml")
	w.Write(buf.Bytes())
}

func newTestMinIO(t *testing.T, srv *httptest.Server) *MinIOStore {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	s, err := NewMinIOStore(MinIOConfig{
		Endpoint:  u.Host,
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "wheels",
		Region:    "us-east-1",
	}, nil)
	if err != nil {
		t.Fatalf("NewMinIOStore: %v", err)
	}
	return s
}

func TestObjectKeyRoundTrip(t *testing.T) {
	key := objectKey(defaultPrefix, "Scikit_Learn")
	if key != "wheels/scikit-learn.whl" {
		t.Errorf("objectKey = %q, want %q", key, "wheels/scikit-learn.whl")
	}
	if name := nameFromKey(defaultPrefix, key); name != "scikit-learn" {
		t.Errorf("nameFromKey = %q, want %q", name, "scikit-learn")
	}
}

func TestMetaValue(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]string
		want string
	}{
		{"plain", map[string]string{"Source-Url": "a"}, "a"},
		{"amz prefix", map[string]string{"X-Amz-Meta-Source-Url": "b"}, "b"},
		{"lower case", map[string]string{"x-amz-meta-source-url": "c"}, "c"},
		{"missing", map[string]string{"Other": "d"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metaValue(tt.meta, metaSourceURL); got != tt.want {
				t.Errorf("metaValue = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewMinIOStoreValidation(t *testing.T) {
	if _, err := NewMinIOStore(MinIOConfig{Bucket: "b"}, nil); err == nil {
		t.Error("NewMinIOStore without endpoint succeeded")
	}
	if _, err := NewMinIOStore(MinIOConfig{Endpoint: "localhost:9000"}, nil); err == nil {
		t.Error("NewMinIOStore without bucket succeeded")
	}

	s, err := NewMinIOStore(MinIOConfig{Endpoint: "localhost:9000", Bucket: "wheels"}, nil)
	if err != nil {
		t.Fatalf("NewMinIOStore: %v", err)
	}
	if s.prefix != defaultPrefix {
		t.Errorf("prefix = %q, want %q", s.prefix, defaultPrefix)
	}
}

func TestMinIOCreatesBucketOnFirstUse(t *testing.T) {
	stub, srv := newS3Stub(t)
	s := newTestMinIO(t, srv)

	if err := s.Put(context.Background(), "numpy", "https://files/numpy.whl", []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !stub.hasBucket("wheels") {
		t.Error("bucket was not created")
	}
}

func TestMinIOPutGetRoundTrip(t *testing.T) {
	_, srv := newS3Stub(t)
	s := newTestMinIO(t, srv)
	ctx := context.Background()

	payload := []byte{'P', 'K', 0x03, 0x04, 0x00, 0xff, 0x10, '\n'}
	if err := s.Put(ctx, "Scikit_Learn", "https://files/sk.whl", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Get(ctx, "scikit-learn")
	if !ok {
		t.Fatal("Get missed a stored record")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Get = %v, want %v", got, payload)
	}

	if err := s.Put(ctx, "scikit-learn", "https://files/sk2.whl", []byte("second")); err != nil {
		t.Fatalf("overwrite Put: %v", err)
	}
	if got, _ := s.Get(ctx, "scikit-learn"); string(got) != "second" {
		t.Errorf("Get after overwrite = %q, want %q", got, "second")
	}
	if n := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	if _, ok := s.Get(ctx, "pandas"); ok {
		t.Error("Get reported a hit for a missing record")
	}
}

func TestMinIOClearThenAbsent(t *testing.T) {
	_, srv := newS3Stub(t)
	s := newTestMinIO(t, srv)
	ctx := context.Background()

	for _, name := range []string{"numpy", "pandas"} {
		if err := s.Put(ctx, name, "u", []byte(name)); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, name := range []string{"numpy", "pandas"} {
		if _, ok := s.Get(ctx, name); ok {
			t.Errorf("Get %s after Clear reported a hit", name)
		}
	}
	if n := s.Count(ctx); n != 0 {
		t.Errorf("Count after Clear = %d, want 0", n)
	}
}

func TestMinIOListSummaries(t *testing.T) {
	_, srv := newS3Stub(t)
	s := newTestMinIO(t, srv)
	cachedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return cachedAt }
	ctx := context.Background()

	if err := s.Put(ctx, "pandas", "https://files/pandas.whl", []byte("pandas!")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "numpy", "https://files/numpy.whl", []byte("np")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	listing, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listing.Count != 2 || listing.Truncated {
		t.Fatalf("listing = %+v, want 2 untruncated records", listing)
	}
	want := []Summary{
		{Name: "numpy", SourceURL: "https://files/numpy.whl", Size: 2, Timestamp: cachedAt},
		{Name: "pandas", SourceURL: "https://files/pandas.whl", Size: 7, Timestamp: cachedAt},
	}
	for i, sum := range listing.Summaries {
		w := want[i]
		if sum.Name != w.Name || sum.SourceURL != w.SourceURL || sum.Size != w.Size || !sum.Timestamp.Equal(w.Timestamp) {
			t.Errorf("summary %d = %+v, want %+v", i, sum, w)
		}
	}
}

func TestMinIOListTruncatesAboveLimit(t *testing.T) {
	_, srv := newS3Stub(t)
	s := newTestMinIO(t, srv)
	ctx := context.Background()

	for i := range SummaryLimit + 1 {
		if err := s.Put(ctx, fmt.Sprintf("pkg%03d", i), "u", []byte("x")); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	listing, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listing.Count != SummaryLimit+1 || !listing.Truncated || listing.Summaries != nil {
		t.Errorf("listing count=%d truncated=%v summaries=%d, want %d true 0",
			listing.Count, listing.Truncated, len(listing.Summaries), SummaryLimit+1)
	}
}

func TestMinIOUnavailableDegrades(t *testing.T) {
	stub, srv := newS3Stub(t)
	stub.deny = true
	s := newTestMinIO(t, srv)
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
