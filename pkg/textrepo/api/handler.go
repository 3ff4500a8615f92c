// Package api binds the text repository service to HTTP with chi.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// multipartOverhead is allowed on top of the payload limit for form framing
const multipartOverhead = 1 << 20

const maxMemory = 32 << 20

// Handler serves the REST and task endpoints
type Handler struct {
	service        textrepo.Service
	maxPayloadSize int64
	logger         *slog.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithMaxPayloadSize limits request bodies. It should match the service limit.
func WithMaxPayloadSize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxPayloadSize = n
		}
	}
}

// WithLogger sets the handler logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a new handler
func NewHandler(service textrepo.Service, opts ...Option) *Handler {
	h := &Handler{
		service:        service,
		maxPayloadSize: textrepo.DefaultMaxPayloadSize,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router for the /rest and /task endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/rest", func(r chi.Router) {
		r.Post("/versions", h.CreateVersion)
		r.Get("/versions/{id}", h.GetVersion)
		r.Put("/versions/{id}", h.UpdateVersion)
		r.Delete("/versions/{id}", h.DeleteVersion)

		r.Post("/files", h.CreateFile)
		r.Get("/files/{id}", h.GetFile)
		r.Put("/files/{id}", h.UpdateFile)
		r.Get("/files/{id}/versions", h.ListVersions)
		r.Put("/files/{id}/contents", h.UploadFileContents)
		r.Get("/files/{id}/contents", h.GetLatestFileContents)
		r.Get("/files/{id}/metadata", h.GetFileMetadata)
		r.Put("/files/{id}/metadata/{key}", h.SetFileMetadata)

		r.Get("/contents/{sha224}", h.GetContents)

		r.Get("/types", h.ListTypes)
		r.Post("/types", h.EnsureType)
		r.Get("/types/{name}", h.GetType)
	})

	r.Route("/task", func(r chi.Router) {
		r.Post("/import/documents/{externalId}/{typeName}", h.RunImport)

		r.Post("/index/file/{fileId}", h.IndexFile)
		r.Delete("/index/file/{fileId}", h.DeleteFromIndex)
		r.Post("/index/document/{externalId}/{typeName}", h.IndexDocument)
		r.Post("/index/files/{typeName}", h.IndexAllOfType)
		r.Get("/index/drift", h.FindIndexDrift)
	})

	return r
}

// RouterConfig holds the collaborators of the top level router
type RouterConfig struct {
	// Health checks the store; nil reports healthy
	Health func(ctx context.Context) error
	// Gatherer serves /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer
}

// NewRouter mounts the handler together with /healthz and /metrics
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				h.logger.Error("Health check failed", "err", err)
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, map[string]string{"status": "unavailable"})
				return
			}
		}
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Mount("/", h.Routes())
	return r
}

func parseID(r *http.Request, param string) (uuid.UUID, error) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s %q", textrepo.ErrBadInput, param, raw)
	}
	return id, nil
}

// parseMultipart limits the body and parses the multipart form
func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayloadSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: max. allowed size: %d", textrepo.ErrPayloadTooLarge, h.maxPayloadSize)
		}
		return fmt.Errorf("%w: invalid multipart form: %v", textrepo.ErrBadInput, err)
	}
	return nil
}

// formContents returns the "contents" part, sent either as a file or as a
// plain form value, together with the uploaded filename
func formContents(r *http.Request) ([]byte, string, error) {
	file, header, err := r.FormFile("contents")
	switch {
	case err == nil:
		defer file.Close()
		b, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("%w: failed to read contents: %v", textrepo.ErrBadInput, err)
		}
		return b, header.Filename, nil
	case errors.Is(err, http.ErrMissingFile):
		if values, ok := r.MultipartForm.Value["contents"]; ok && len(values) > 0 {
			return []byte(values[0]), "", nil
		}
		return nil, "", fmt.Errorf("%w: contents are required", textrepo.ErrBadInput)
	default:
		return nil, "", fmt.Errorf("%w: failed to read contents: %v", textrepo.ErrBadInput, err)
	}
}
