// Package api exposes the kernel over HTTP: cell submission and state,
// streamed cell output as server-sent events, and kernel lifecycle and cache
// maintenance endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/seantiz/cellkernel/internal/diagnostics"
	"github.com/seantiz/cellkernel/internal/model"
	"github.com/seantiz/cellkernel/internal/observability"
	"github.com/seantiz/cellkernel/internal/protocol"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Kernel is the controller side of a worker, as implemented by
// controller.Client.
type Kernel interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, id, code string) error
	Run(ctx context.Context, id, code string) (model.CellState, error)
	State(ctx context.Context) (map[string]model.CellState, error)
	Terminate(ctx context.Context) error
	Diagnostics(ctx context.Context) (diagnostics.Snapshot, error)
	ClearCache(ctx context.Context) error
	Subscribe(id string) (<-chan protocol.Notification, func())
	// Done is closed when the worker connection is lost.
	Done() <-chan struct{}
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	kernel Kernel
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, k Kernel, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		kernel: k,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(tracingMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/kernel", func(r chi.Router) {
		r.Post("/initialize", s.handleInitialize)
		r.Delete("/", s.handleTerminate)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Delete("/cache", s.handleClearCache)
	})

	s.router.Route("/v1/cells", func(r chi.Router) {
		r.Post("/", s.handleExecute)
		r.Get("/", s.handleListCells)
		r.Get("/{id}", s.handleGetCell)
		r.Get("/{id}/stream", s.handleStreamCell)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// tracingMiddleware opens a span per request. Its context reaches the worker
// with every request the handler sends.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		)
		defer span.End()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(
			semconv.HTTPRoute(routePattern(r)),
			semconv.HTTPResponseStatusCode(ww.Status()),
		)
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}
