// Package api exposes the export engine over HTTP. Authentication happens
// upstream; the gateway forwards the authenticated owner id in a header and
// every job operation is scoped to that owner.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/export"
)

const defaultOwnerHeader = "X-Owner-ID"

type exportService interface {
	CreateExport(ctx context.Context, ownerID string, req domain.CreateExportRequest) (domain.Job, error)
	CreateChunkedExport(ctx context.Context, ownerID string, req domain.CreateChunkedExportRequest) (export.ChunkedResult, error)
	Status(ctx context.Context, jobID, ownerID string) (export.StatusView, error)
	Download(ctx context.Context, jobID, rawToken string) (export.Artifact, error)
	Cancel(ctx context.Context, jobID, ownerID string) error
	List(ctx context.Context, ownerID string) ([]export.StatusView, error)
}

type Options struct {
	OwnerHeader string
	RateLimiter RateLimiter
	Tracing     bool
}

type Server struct {
	logger      *log.Logger
	service     exportService
	metrics     *metrics
	rateLimiter RateLimiter
	ownerHeader string
	handler     http.Handler
}

func NewServer(logger *log.Logger, service exportService, opts Options) *Server {
	ownerHeader := strings.TrimSpace(opts.OwnerHeader)
	if ownerHeader == "" {
		ownerHeader = defaultOwnerHeader
	}

	s := &Server{
		logger:      logger,
		service:     service,
		metrics:     newMetrics(),
		rateLimiter: opts.RateLimiter,
		ownerHeader: ownerHeader,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.metricsHandler())
	mux.HandleFunc("POST /v1/exports", s.handleCreateExport)
	mux.HandleFunc("POST /v1/exports/chunked", s.handleCreateChunkedExport)
	mux.HandleFunc("GET /v1/exports", s.handleListExports)
	mux.HandleFunc("GET /v1/exports/{id}", s.handleExportStatus)
	mux.HandleFunc("GET /v1/exports/{id}/download", s.handleDownload)
	mux.HandleFunc("POST /v1/exports/{id}/cancel", s.handleCancel)

	var handler http.Handler = mux
	handler = s.withRateLimit(handler)
	if opts.Tracing {
		handler = withTracing(otel.Tracer("exportflow/api"), handler)
	}
	s.handler = s.metrics.withHTTPMetrics(handler)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	var req domain.CreateExportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.service.CreateExport(r.Context(), ownerID, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.metrics.exportsCreated.WithLabelValues("single").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"total_count": job.TotalCount,
		"expires_at":  nil,
		"status_url":  fmt.Sprintf("/v1/exports/%s", job.ID),
	})
}

func (s *Server) handleCreateChunkedExport(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	var req domain.CreateChunkedExportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := s.service.CreateChunkedExport(r.Context(), ownerID, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.metrics.exportsCreated.WithLabelValues("chunked").Inc()
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	views, err := s.service.List(r.Context(), ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exports": views,
		"total":   len(views),
	})
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	view, err := s.service.Status(r.Context(), r.PathValue("id"), ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.service.Download(r.Context(), r.PathValue("id"), r.URL.Query().Get("token"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if artifact.RedirectURL != "" {
		http.Redirect(w, r, artifact.RedirectURL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	_, _ = w.Write(artifact.Data)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	jobID := r.PathValue("id")
	if err := s.service.Cancel(r.Context(), jobID, ownerID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": domain.JobStatusCancelled,
	})
}

func (s *Server) ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := strings.TrimSpace(r.Header.Get(s.ownerHeader))
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return "", false
	}
	return ownerID, true
}

// writeServiceError maps domain sentinels onto HTTP statuses. Anything
// unclassified is a 500 with a generic body; the detail goes to the log only.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyIdentifiers),
		errors.Is(err, domain.ErrNotReady),
		errors.Is(err, domain.ErrAlreadyTerminal):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrTokenMismatch):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrExpired):
		writeJSON(w, http.StatusGone, map[string]string{"error": err.Error()})
	default:
		s.logger.Printf("request failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 10 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
