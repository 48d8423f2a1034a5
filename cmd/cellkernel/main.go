// Command cellkernel serves the kernel HTTP API. It dials the worker at
// CELLKERNEL_WORKER_ADDR or, when that is unset, runs a worker in-process on
// a private unix socket.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/seantiz/cellkernel/internal/api"
	"github.com/seantiz/cellkernel/internal/bootstrap"
	"github.com/seantiz/cellkernel/internal/config"
	"github.com/seantiz/cellkernel/internal/controller"
	"github.com/seantiz/cellkernel/internal/observability"
	"github.com/seantiz/cellkernel/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("cellkernel: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracingFromEnv("cellkernel")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	addr := cfg.WorkerAddr
	if addr == "" {
		local, err := startLocalWorker(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer local.stop()
		addr = local.addr
	}

	logger.Info("cellkernel: starting",
		"listen_addr", cfg.ListenAddr,
		"worker_addr", addr,
	)

	client, err := controller.Dial(ctx, addr, logger)
	if err != nil {
		return fmt.Errorf("connect to worker: %w", err)
	}
	defer client.Close()

	srv := api.NewServer(cfg.ListenAddr, client, logger)
	return srv.Run(ctx)
}

type localWorker struct {
	addr string
	stop func()
}

// startLocalWorker serves a worker on a unix socket in a fresh temp
// directory. stop shuts it down and removes the directory.
func startLocalWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*localWorker, error) {
	dir, err := os.MkdirTemp("", "cellkernel-")
	if err != nil {
		return nil, fmt.Errorf("create worker socket dir: %w", err)
	}
	addr := "unix:" + filepath.Join(dir, "worker.sock")

	l, err := worker.Listen(addr)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	w, err := bootstrap.NewWorker(cfg, l, nil, logger.With("component", "worker"))
	if err != nil {
		l.Close()
		os.RemoveAll(dir)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Serve(ctx); err != nil {
			logger.Error("worker stopped", "error", err)
		}
	}()

	return &localWorker{
		addr: addr,
		stop: func() {
			cancel()
			<-done
			os.RemoveAll(dir)
		},
	}, nil
}
