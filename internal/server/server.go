// Package server hosts the dashboard HTTP API: the ledger snapshot,
// aggregate counters, and the preview registry as JSON.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/sorabatch/sorabatch/internal/errors"
	"github.com/sorabatch/sorabatch/internal/observability"
	"github.com/sorabatch/sorabatch/internal/server/handlers"
	"github.com/sorabatch/sorabatch/internal/server/middleware"
	"github.com/sorabatch/sorabatch/pkg/ledger"
	"github.com/sorabatch/sorabatch/pkg/preview"
)

// Options wires the server's collaborators.
type Options struct {
	Host     string
	Port     int
	Version  string
	Commit   string
	Ledger   *ledger.Ledger
	Previews *preview.Registry
	Health   *handlers.HealthManager

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server is the dashboard HTTP server.
type Server struct {
	opts   Options
	router chi.Router
}

// New builds the router and its middleware chain.
func New(opts Options) *Server {
	if opts.Health == nil {
		opts.Health = handlers.NewHealthManager(opts.Version)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, http.StatusNotFound, apperrors.CodeNotFound,
			"resource not found", middleware.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			"method not allowed", middleware.GetRequestID(req.Context()))
	})

	tasks := &handlers.TasksHandler{Ledger: opts.Ledger, Registry: opts.Previews}
	version := &handlers.VersionHandler{Version: opts.Version, Commit: opts.Commit}

	r.Get("/health", opts.Health.HealthHandler)
	r.Get("/version", version.ServeHTTP)
	r.Get("/api/tasks", tasks.List)
	r.Get("/api/tasks/counts", tasks.Counts)
	r.Get("/api/previews", tasks.Previews)

	return &Server{opts: opts, router: r}
}

// Handler returns the routing tree, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.opts.Port
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.ServerLogger.Info("Dashboard server listening",
			zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownTimeout := s.opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	observability.ServerLogger.Info("Dashboard server shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}
