package wheelcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/cellkernel/internal/registry"
)

const (
	backendMinIO = "minio"

	objectSuffix   = ".whl"
	metaSourceURL  = "Source-Url"
	metaCachedAt   = "Cached-At"
	amzMetaPrefix  = "X-Amz-Meta-"
	wheelMediaType = "application/zip"
	defaultPrefix  = "wheels/"
)

// MinIOConfig configures a MinIOStore.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
	// Prefix is prepended to every object name. Defaults to "wheels/".
	Prefix string
}

// Compile-time interface satisfaction check.
var _ Store = (*MinIOStore)(nil)

// MinIOStore implements Store on an S3-compatible bucket. Each record is one
// object; the source URL and timestamp travel as user metadata. S3 object
// writes are atomic, so readers never observe a partial payload.
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	ready bool
}

// NewMinIOStore creates a store for cfg. The bucket is created on first use.
func NewMinIOStore(cfg MinIOConfig, logger *slog.Logger) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// ensureBucket creates the bucket once. A failure is retried on the next call.
func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: check bucket %s: %v", ErrUnavailable, s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("%w: create bucket %s: %v", ErrUnavailable, s.bucket, err)
		}
	}
	s.ready = true
	return nil
}

// Get returns the cached payload for name.
func (s *MinIOStore) Get(ctx context.Context, name string) ([]byte, bool) {
	if err := s.ensureBucket(ctx); err != nil {
		s.logger.Debug("wheel cache get skipped", "package", name, "error", err)
		observeLookup(backendMinIO, false)
		return nil, false
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(s.prefix, name), minio.GetObjectOptions{})
	if err != nil {
		observeLookup(backendMinIO, false)
		return nil, false
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			s.logger.Warn("wheel cache get failed", "package", name, "error", err)
		}
		observeLookup(backendMinIO, false)
		return nil, false
	}

	observeLookup(backendMinIO, true)
	return payload, true
}

// Put uploads payload as the object for name, replacing any earlier one.
func (s *MinIOStore) Put(ctx context.Context, name, sourceURL string, payload []byte) error {
	err := s.put(ctx, name, sourceURL, payload)
	observeWrite(backendMinIO, len(payload), err)
	return err
}

func (s *MinIOStore) put(ctx context.Context, name, sourceURL string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("put wheel %q: empty payload", name)
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, s.bucket, objectKey(s.prefix, name),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{
			ContentType: wheelMediaType,
			UserMetadata: map[string]string{
				metaSourceURL: sourceURL,
				metaCachedAt:  s.now().UTC().Format(time.RFC3339Nano),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("put wheel %q: %w", name, err)
	}
	return nil
}

// Clear removes every object under the store prefix.
func (s *MinIOStore) Clear(ctx context.Context) error {
	if err := s.ensureBucket(ctx); err != nil {
		s.logger.Warn("wheel cache clear skipped", "error", err)
		return nil
	}

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			objects <- obj
		}
	}()

	var firstErr error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	select {
	case err := <-listErr:
		return fmt.Errorf("list wheels: %w", err)
	default:
	}
	return firstErr
}

// Count returns the number of cached wheels, or 0 if the store is unavailable.
func (s *MinIOStore) Count(ctx context.Context) int {
	if err := s.ensureBucket(ctx); err != nil {
		return 0
	}
	n := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if obj.Err != nil {
			s.logger.Warn("wheel cache count failed", "error", obj.Err)
			return 0
		}
		n++
	}
	return n
}

// List returns record summaries ordered by object name.
func (s *MinIOStore) List(ctx context.Context) (Listing, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return Listing{}, err
	}

	var listing Listing
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       s.prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return Listing{}, fmt.Errorf("list wheels: %w", obj.Err)
		}
		listing.Count++
		if listing.Count > SummaryLimit {
			listing.Truncated = true
			listing.Summaries = nil
			continue
		}
		if listing.Truncated {
			continue
		}
		sum := Summary{
			Name:      nameFromKey(s.prefix, obj.Key),
			SourceURL: metaValue(obj.UserMetadata, metaSourceURL),
			Size:      obj.Size,
			Timestamp: obj.LastModified.UTC(),
		}
		if ts, err := time.Parse(time.RFC3339Nano, metaValue(obj.UserMetadata, metaCachedAt)); err == nil {
			sum.Timestamp = ts
		}
		listing.Summaries = append(listing.Summaries, sum)
	}
	return listing, nil
}

// Close is a no-op; the minio client holds no long-lived connection state.
func (s *MinIOStore) Close() error {
	return nil
}

func objectKey(prefix, name string) string {
	return prefix + registry.Normalize(name) + objectSuffix
}

func nameFromKey(prefix, key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, prefix), objectSuffix)
}

// metaValue looks up a user metadata value regardless of whether the server
// returned the key with the x-amz-meta- prefix or in a different case.
func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		k = strings.TrimPrefix(strings.ToLower(k), strings.ToLower(amzMetaPrefix))
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
