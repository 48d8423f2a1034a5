// Command cellkernel-worker runs a kernel and serves it to controllers on
// CELLKERNEL_WORKER_LISTEN. Inside a microVM guest it runs as PID 1 and
// listens on vsock.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o cellkernel-worker ./cmd/cellkernel-worker
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/cellkernel/internal/bootstrap"
	"github.com/seantiz/cellkernel/internal/config"
	"github.com/seantiz/cellkernel/internal/observability"
	"github.com/seantiz/cellkernel/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("cellkernel-worker: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	worker.SetupInit(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracingFromEnv("cellkernel-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	l, err := worker.Listen(cfg.WorkerListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.WorkerListen, err)
	}

	w, err := bootstrap.NewWorker(cfg, l, nil, logger)
	if err != nil {
		l.Close()
		return err
	}

	logger.Info("cellkernel-worker: listening",
		"addr", cfg.WorkerListen,
		"wheel_cache", cfg.WheelCache.Backend,
	)
	return w.Serve(ctx)
}
