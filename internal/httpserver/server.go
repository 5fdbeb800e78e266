package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/wake/internal/config"
	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/httpserver/mw"
	"github.com/MrSnakeDoc/wake/internal/httpserver/routes"
	"github.com/MrSnakeDoc/wake/internal/logger"
)

// Server wraps one HTTP listener and its logger.
type Server struct {
	name   string
	http   *http.Server
	logger logger.Logger
}

// NewAdmin builds the admin API server (router, middlewares, route registration).
func NewAdmin(cfg *config.Config, loggerClient logger.Logger, d deps.Deps) *Server {
	r := chi.NewRouter()

	// --- Global middlewares (safe defaults)
	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID) // X-Request-ID on each request
	r.Use(middleware.Recoverer) // never crash the process on panic
	r.Use(mw.Log(loggerClient))

	// Timeouts are set per route; wake?wait=true and the event stream run long.
	routes.RegisterAll(r, d)

	log := loggerClient.Named("admin")
	return &Server{
		name:   "admin",
		http:   newHTTPServer(cfg.AdminPort, r, cfg.AdminWaitTimeout),
		logger: log,
	}
}

// NewInterceptor builds the server that receives traffic for sleeping services.
// Every path is handed to h, which resolves the service from Host and path.
func NewInterceptor(cfg *config.Config, loggerClient logger.Logger, h http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(mw.Log(loggerClient))
	r.Handle("/*", h)

	log := loggerClient.Named("interceptor")
	return &Server{
		name:   "interceptor",
		http:   newHTTPServer(cfg.ListenPort, r, cfg.MaxWait),
		logger: log,
	}
}

func newHTTPServer(addr string, h http.Handler, longest time.Duration) *http.Server {
	// Writes must outlive the longest request a handler may hold open.
	write := 30 * time.Second
	if longest+15*time.Second > write {
		write = longest + 15*time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      write,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Name identifies the server in logs.
func (s *Server) Name() string { return s.name }

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start runs the HTTP server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.logger.Infof("HTTP server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	// http.ErrServerClosed is expected on graceful shutdown.
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down...")
	return s.http.Shutdown(ctx)
}
