// Package api exposes the sniffer over HTTP with JSON payloads.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/CZERTAINLY/CodeSniffer/internal/jobs"
	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/CZERTAINLY/CodeSniffer/internal/service"
)

const (
	shutdownTimeout = 30 * time.Second
	// maxUpload bounds the size of an uploaded plugin bundle.
	maxUpload = 256 << 20
)

// Scanner starts a sweep out of schedule.
type Scanner interface {
	Trigger()
}

type Server struct {
	catalog  *service.Catalog
	plugins  *plugin.Manager
	monitor  *jobs.Monitor
	scanner  Scanner
	logger   *slog.Logger
	validate *validator.Validate
	router   *chi.Mux
}

func NewServer(catalog *service.Catalog, plugins *plugin.Manager, monitor *jobs.Monitor, scanner Scanner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		catalog:  catalog,
		plugins:  plugins,
		monitor:  monitor,
		scanner:  scanner,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   r,
	}
	s.routes()
	return s
}

func loggerMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.DebugContext(r.Context(), "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status/jobs", s.handleJobs)

		r.Get("/plugins", s.handlePlugins)
		r.Post("/plugins/upload", s.handleUpload)

		mount(s, r, "/sources", crud[model.Source]{
			list:   s.catalog.Sources,
			get:    s.catalog.Source,
			create: s.catalog.CreateSource,
			update: s.catalog.UpdateSource,
			delete: s.catalog.DeleteSource,
			setID:  func(src *model.Source, id string) { src.ID = id },
		})
		mount(s, r, "/sourcegroups", crud[model.SourceGroup]{
			list:   s.catalog.SourceGroups,
			get:    s.catalog.SourceGroup,
			create: s.catalog.CreateSourceGroup,
			update: s.catalog.UpdateSourceGroup,
			delete: s.catalog.DeleteSourceGroup,
			setID:  func(g *model.SourceGroup, id string) { g.ID = id },
		})
		mount(s, r, "/definitions", crud[model.Definition]{
			list:   s.catalog.Definitions,
			get:    s.catalog.Definition,
			create: s.catalog.CreateDefinition,
			update: s.catalog.UpdateDefinition,
			delete: s.catalog.DeleteDefinition,
			setID:  func(d *model.Definition, id string) { d.ID = id },
		})

		r.Get("/reports", s.handleReports)
		r.Get("/reports/{id}", s.handleReport)

		r.Post("/scan", s.handleScan)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.ErrorContext(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.InfoContext(ctx, "starting server", "addr", server.Addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}
