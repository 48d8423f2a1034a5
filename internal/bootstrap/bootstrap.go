// Package bootstrap assembles the worker side of cellkernel from
// configuration: the wheel cache backend, the package list source, the
// runtime factory and the kernel coordinator.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/seantiz/cellkernel/internal/config"
	"github.com/seantiz/cellkernel/internal/kernel"
	"github.com/seantiz/cellkernel/internal/pkglist"
	"github.com/seantiz/cellkernel/internal/runtime"
	"github.com/seantiz/cellkernel/internal/runtime/python"
	"github.com/seantiz/cellkernel/internal/wheelcache"
	"github.com/seantiz/cellkernel/internal/worker"
)

// NewCache opens the wheel cache backend named by cfg.Backend.
func NewCache(cfg config.WheelCacheConfig, logger *slog.Logger) (wheelcache.Store, error) {
	switch cfg.Backend {
	case config.CacheSQLite, "":
		return wheelcache.NewSQLiteStore(cfg.DBPath, logger), nil
	case config.CacheMinIO:
		s, err := wheelcache.NewMinIOStore(wheelcache.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open minio wheel cache: %w", err)
		}
		return s, nil
	case config.CacheNone:
		return wheelcache.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown wheel cache backend %q", cfg.Backend)
	}
}

// NewPackageSource builds the preload list source.
func NewPackageSource(cfg config.Config, logger *slog.Logger) *pkglist.Source {
	opts := []pkglist.Option{
		pkglist.WithTTL(cfg.PackageListTTL),
		pkglist.WithLogger(logger),
	}
	if len(cfg.DefaultPackages) > 0 {
		opts = append(opts, pkglist.WithDefaults(cfg.DefaultPackages))
	}
	return pkglist.NewSource(cfg.PackageListURL, opts...)
}

// Worker is a kernel served on a listener, together with the resources it
// owns.
type Worker struct {
	*worker.Worker
	Kernel *kernel.Coordinator

	cache  wheelcache.Store
	logger *slog.Logger
}

// NewWorker builds a worker for cfg serving on l. A nil factory selects the
// CPython runtime described by cfg.
func NewWorker(cfg config.Config, l net.Listener, factory runtime.Factory, logger *slog.Logger) (*Worker, error) {
	cache, err := NewCache(cfg.WheelCache, logger)
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = python.NewFactory(python.Config{
			Python:   cfg.Python,
			SiteDir:  cfg.SiteDir,
			IndexURL: cfg.IndexURL,
			Logger:   logger,
		})
	}

	w := worker.New(l, logger)
	k := kernel.New(kernel.Config{
		NewRuntime: factory,
		Cache:      cache,
		Packages:   NewPackageSource(cfg, logger),
		BatchSize:  cfg.BatchSize,
		Logger:     logger,
		Notify:     w.Broadcast,
	})

	return &Worker{Worker: w, Kernel: k, cache: cache, logger: logger}, nil
}

// Serve serves controllers until ctx is cancelled, then terminates the
// runtime and closes the wheel cache.
func (w *Worker) Serve(ctx context.Context) error {
	serveErr := w.Worker.Serve(ctx, w.Kernel)

	if err := w.Kernel.Terminate(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("terminate runtime", "error", err)
	}
	w.Kernel.Wait()
	if err := w.cache.Close(); err != nil {
		w.logger.Warn("close wheel cache", "error", err)
	}
	return serveErr
}
