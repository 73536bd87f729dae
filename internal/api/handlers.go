package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/CZERTAINLY/CodeSniffer/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps err to a response status. Unexpected errors are logged and
// their text is not exposed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, plugin.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return false
	}
	if err := s.validate.StructCtx(r.Context(), v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

type crud[T any] struct {
	list   func(context.Context) ([]T, error)
	get    func(context.Context, string) (T, error)
	create func(context.Context, T) (T, error)
	update func(context.Context, T) (T, error)
	delete func(context.Context, string) error
	setID  func(*T, string)
}

func mount[T any](s *Server, r chi.Router, path string, c crud[T]) {
	r.Route(path, func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			items, err := c.list(r.Context())
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, items)
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var item T
			if !s.decode(w, r, &item) {
				return
			}
			c.setID(&item, "")
			created, err := c.create(r.Context(), item)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			item, err := c.get(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		})
		r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			var item T
			if !s.decode(w, r, &item) {
				return
			}
			c.setID(&item, chi.URLParam(r, "id"))
			updated, err := c.update(r.Context(), item)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := c.delete(r.Context(), chi.URLParam(r, "id")); err != nil {
				s.fail(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Jobs())
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.plugins.Containers())
}

// handleUpload accepts a bundle archive either as the multipart field
// "plugin" or as the raw request body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	var archive io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("plugin")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing plugin file: " + err.Error()})
			return
		}
		defer func() {
			_ = file.Close()
			_ = r.MultipartForm.RemoveAll()
		}()
		archive = file
	}

	c, err := s.plugins.Update(r.Context(), archive)
	if err != nil {
		if errors.Is(err, plugin.ErrClosed) || r.Context().Err() != nil {
			s.fail(w, r, err)
			return
		}
		s.logger.WarnContext(r.Context(), "plugin upload rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.logger.InfoContext(r.Context(), "plugin uploaded", "container_id", c.ID, "plugins", len(c.Plugins))
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ReportFilter{
		DefinitionID: q.Get("definition"),
		SourceID:     q.Get("source"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit: " + limit})
			return
		}
		filter.Limit = n
	}
	reports, err := s.catalog.Reports(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.catalog.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleScan(w http.ResponseWriter, _ *http.Request) {
	s.scanner.Trigger()
	w.WriteHeader(http.StatusAccepted)
}
