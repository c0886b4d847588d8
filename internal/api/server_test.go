package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/export"
	"github.com/exportflow/exportflow/internal/ratelimit"
)

type stubService struct {
	createOwner   string
	createReq     domain.CreateExportRequest
	createJob     domain.Job
	createErr     error
	chunkedResult export.ChunkedResult
	chunkedErr    error
	statusView    export.StatusView
	statusErr     error
	artifact      export.Artifact
	downloadErr   error
	cancelErr     error
	listViews     []export.StatusView
	listErr       error
}

func (s *stubService) CreateExport(_ context.Context, ownerID string, req domain.CreateExportRequest) (domain.Job, error) {
	s.createOwner = ownerID
	s.createReq = req
	return s.createJob, s.createErr
}

func (s *stubService) CreateChunkedExport(_ context.Context, _ string, _ domain.CreateChunkedExportRequest) (export.ChunkedResult, error) {
	return s.chunkedResult, s.chunkedErr
}

func (s *stubService) Status(_ context.Context, _, _ string) (export.StatusView, error) {
	return s.statusView, s.statusErr
}

func (s *stubService) Download(_ context.Context, _, _ string) (export.Artifact, error) {
	return s.artifact, s.downloadErr
}

func (s *stubService) Cancel(_ context.Context, _, _ string) error {
	return s.cancelErr
}

func (s *stubService) List(_ context.Context, _ string) ([]export.StatusView, error) {
	return s.listViews, s.listErr
}

func newTestServer(service exportService, opts Options) *Server {
	return NewServer(log.New(io.Discard, "", 0), service, opts)
}

func TestCreateExportAccepted(t *testing.T) {
	service := &stubService{createJob: domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusPending,
		TotalCount: 2,
	}}
	srv := newTestServer(service, Options{})

	body := `{"kind":"contacts","identifiers":["id1","id2"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(body))
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if service.createOwner != "owner-1" {
		t.Fatalf("expected owner forwarded, got %q", service.createOwner)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["job_id"] != "job-1" || resp["status"] != domain.JobStatusPending {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestCreateExportRequiresOwnerHeader(t *testing.T) {
	srv := newTestServer(&stubService{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(`{"kind":"contacts","identifiers":["id1"]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateExportRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(&stubService{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(`{"kind":"contacts","identifiers":["id1"],"surprise":true}`))
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateExportEmptyIdentifiersIs400(t *testing.T) {
	srv := newTestServer(&stubService{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(`{"kind":"contacts","identifiers":[]}`))
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: domain.ErrNotFound, want: http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&stubService{statusErr: tc.err}, Options{})

			req := httptest.NewRequest(http.MethodGet, "/v1/exports/job-1", nil)
			req.Header.Set("X-Owner-ID", "owner-1")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestDownloadErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid token", err: domain.ErrInvalidToken, want: http.StatusUnauthorized},
		{name: "token mismatch", err: domain.ErrTokenMismatch, want: http.StatusForbidden},
		{name: "not found", err: domain.ErrNotFound, want: http.StatusNotFound},
		{name: "not ready", err: domain.ErrNotReady, want: http.StatusBadRequest},
		{name: "expired", err: domain.ErrExpired, want: http.StatusGone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&stubService{downloadErr: tc.err}, Options{})

			req := httptest.NewRequest(http.MethodGet, "/v1/exports/job-1/download?token=abc", nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestDownloadStreamsArtifact(t *testing.T) {
	srv := newTestServer(&stubService{artifact: export.Artifact{
		Filename:    "export_job-1.csv",
		ContentType: "text/csv",
		Data:        []byte("id,status\nid1,ok\n"),
	}}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/exports/job-1/download?token=abc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "export_job-1.csv") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if rec.Body.String() != "id,status\nid1,ok\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestDownloadRedirectsToPresignedURL(t *testing.T) {
	srv := newTestServer(&stubService{artifact: export.Artifact{
		Filename:    "export_job-1.csv",
		ContentType: "text/csv",
		RedirectURL: "https://storage.example.com/exports/job-1.csv",
	}}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/exports/job-1/download?token=tok", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://storage.example.com/exports/job-1.csv" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestCancelAlreadyTerminalIs400(t *testing.T) {
	srv := newTestServer(&stubService{cancelErr: domain.ErrAlreadyTerminal}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/exports/job-1/cancel", nil)
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCancelReportsCancelled(t *testing.T) {
	srv := newTestServer(&stubService{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/exports/job-1/cancel", nil)
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != domain.JobStatusCancelled {
		t.Fatalf("unexpected status %q", resp["status"])
	}
}

func TestListExportsReturnsTotal(t *testing.T) {
	service := &stubService{listViews: []export.StatusView{
		{JobID: "job-1", Status: domain.JobStatusCompleted},
		{JobID: "job-2", Status: domain.JobStatusPending},
	}}
	srv := newTestServer(service, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/exports", nil)
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Exports []export.StatusView `json:"exports"`
		Total   int                 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 || len(resp.Exports) != 2 {
		t.Fatalf("unexpected list response %+v", resp)
	}
}

type stubLimiter struct {
	decision ratelimit.Decision
	subjects []string
}

func (l *stubLimiter) Allow(_ context.Context, ownerID string) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, ownerID)
	return l.decision, nil
}

func TestRateLimitRejectsAdmission(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}}
	srv := newTestServer(&stubService{}, Options{RateLimiter: limiter})

	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(`{"kind":"contacts","identifiers":["id1"]}`))
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3" {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	if len(limiter.subjects) != 1 || limiter.subjects[0] != "owner-1" {
		t.Fatalf("unexpected limiter subjects %v", limiter.subjects)
	}
}

func TestRateLimitSkipsPolling(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false}}
	srv := newTestServer(&stubService{statusView: export.StatusView{JobID: "job-1"}}, Options{RateLimiter: limiter})

	req := httptest.NewRequest(http.MethodGet, "/v1/exports/job-1", nil)
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(limiter.subjects) != 0 {
		t.Fatal("polling must bypass the rate limiter")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubService{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
