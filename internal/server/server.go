// Package server implements the worker HTTP API: uploads (safe and
// chunked), downloads, version history, rename, restore, deletion, and
// conflict listing/resolution, backed by the shared on-disk stores. It also
// hosts the sliding-window conflict engine and the chunk assembler.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filehaven/filehaven/internal/store"
)

// DefaultMaxUploadBytes caps request bodies on the upload endpoints.
const DefaultMaxUploadBytes = 100 << 20 // 100 MiB

// Options configures a Server beyond its storage directories.
type Options struct {
	// MaxUploadBytes caps upload request bodies; 0 means DefaultMaxUploadBytes.
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server is one worker instance. Multiple servers in separate processes may
// share the same storage root; only the upload window is process-local.
type Server struct {
	content   *store.ContentStore
	meta      *store.MetadataStore
	assembler *Assembler
	window    *UploadWindow

	logger         *slog.Logger
	metrics        *Metrics
	maxUploadBytes int64
	startedAt      time.Time
}

// Dirs names the storage directories a worker operates on. All workers
// behind one supervisor must point at identical paths.
type Dirs struct {
	Files     string
	Versions  string
	Metadata  string
	Chunks    string
	Conflicts string
}

// DirsUnderRoot lays out the standard directory structure under one shared
// storage root.
func DirsUnderRoot(root string) Dirs {
	return Dirs{
		Files:     filepath.Join(root, "files"),
		Versions:  filepath.Join(root, "versions"),
		Metadata:  filepath.Join(root, "metadata", "files"),
		Chunks:    filepath.Join(root, "chunks"),
		Conflicts: filepath.Join(root, "metadata", "conflicts"),
	}
}

// New builds a Server over the given directories, creating them as needed.
func New(dirs Dirs, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	content, err := store.NewContentStore(dirs.Files, dirs.Versions, logger)
	if err != nil {
		return nil, err
	}

	meta, err := store.NewMetadataStore(dirs.Metadata, dirs.Conflicts, logger)
	if err != nil {
		return nil, err
	}

	assembler, err := NewAssembler(dirs.Chunks, content, meta, logger)
	if err != nil {
		return nil, err
	}

	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}

	return &Server{
		content:        content,
		meta:           meta,
		assembler:      assembler,
		window:         NewUploadWindow(content, meta, logger),
		logger:         logger,
		metrics:        newMetrics(),
		maxUploadBytes: maxUpload,
		startedAt:      time.Now(),
	}, nil
}

// Handler returns the worker's HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/files", func(r chi.Router) {
		r.Get("/", s.handleListFiles)
		r.Post("/upload-safe", s.handleSafeUpload)
		r.Post("/chunk", s.handleChunk)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/download", s.handleDownload)
			r.Get("/versions", s.handleListVersions)
			r.Get("/versions/{version}/download", s.handleDownloadVersion)
			r.Post("/restore/{version}", s.handleRestore)
			r.Post("/rename", s.handleRename)
			r.Delete("/", s.handleDelete)
		})
	})

	r.Get("/conflicts", s.handleListConflicts)
	r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)

	return r
}

// logRequests is the slog request-logging middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// writeJSON encodes v as the response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", slog.String("error", err.Error()))
	}
}

// errorBody is the error response shape: {error, message?, action?}.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

// writeError maps store sentinels to HTTP status codes and writes the error
// body. Unclassified errors become 500 with a generic message; the detail
// stays in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		label  string
	)

	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, store.ErrBadRequest):
		status, label = http.StatusBadRequest, "bad_request"
	case errors.Is(err, store.ErrNotFound):
		status, label = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrConflict):
		status, label = http.StatusConflict, "conflict"
	case errors.As(err, &maxBytesErr):
		status, label = http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, store.ErrCorrupt):
		status, label = http.StatusInternalServerError, "corrupt"
	default:
		status, label = http.StatusInternalServerError, "internal"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	s.writeJSON(w, status, errorBody{Error: label, Message: err.Error()})
}

// parseLastModified accepts the client-supplied modification time in
// RFC 3339 form (with or without fractional seconds) or as Unix
// milliseconds.
func parseLastModified(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing last_modified", store.ErrBadRequest)
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}

	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("%w: unparseable last_modified %q", store.ErrBadRequest, raw)
}
