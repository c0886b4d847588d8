package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/id"
	"github.com/exportflow/exportflow/internal/queue"
	"github.com/exportflow/exportflow/internal/store"
	"github.com/exportflow/exportflow/internal/token"
)

type ServiceConfig struct {
	// BaseURL prefixes minted download URLs, e.g. "https://api.example.com".
	BaseURL string
	// DownloadTokenTTL bounds how long a minted download token stays valid.
	DownloadTokenTTL time.Duration
	// CreditsPerRow is the admission charge per requested identifier.
	CreditsPerRow int
	// BatchSize is used to project time remaining from the per-batch moving
	// average; it must match the worker's batch size.
	BatchSize int
	// ChunkSize caps chunk length when a chunked request arrives as a flat
	// identifier list.
	ChunkSize int
	// PresignDownloads makes Download hand back a presigned object-store URL
	// instead of streaming the artifact through the API.
	PresignDownloads bool
}

// Service is the export orchestrator: the only entry point for creating,
// observing, downloading, and cancelling export jobs.
type Service struct {
	logger  *log.Logger
	store   store.JobStore
	queue   Enqueuer
	storage ObjectStore
	tokens  *token.Codec
	ledger  CreditLedger
	cfg     ServiceConfig
	now     func() time.Time
}

func NewService(
	logger *log.Logger,
	jobStore store.JobStore,
	enqueuer Enqueuer,
	storage ObjectStore,
	tokens *token.Codec,
	creditLedger CreditLedger,
	cfg ServiceConfig,
) *Service {
	if cfg.DownloadTokenTTL <= 0 {
		cfg.DownloadTokenTTL = 15 * time.Minute
	}
	if cfg.CreditsPerRow <= 0 {
		cfg.CreditsPerRow = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10000
	}

	return &Service{
		logger:  logger,
		store:   jobStore,
		queue:   enqueuer,
		storage: storage,
		tokens:  tokens,
		ledger:  creditLedger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// StatusView is the polling representation of a job. Progress fields appear
// only once processing has started; the download URL only once the artifact
// is completed and unexpired.
type StatusView struct {
	JobID                     string     `json:"job_id"`
	Status                    string     `json:"status"`
	Kind                      string     `json:"kind"`
	Format                    string     `json:"format"`
	TotalCount                int        `json:"total_count"`
	ProcessedCount            int        `json:"processed_count"`
	SkippedCount              int        `json:"skipped_count,omitempty"`
	ProgressPercentage        *float64   `json:"progress_percentage,omitempty"`
	EstimatedSecondsRemaining *float64   `json:"estimated_seconds_remaining,omitempty"`
	ErrorMessage              string     `json:"error_message,omitempty"`
	DownloadURL               string     `json:"download_url,omitempty"`
	ExpiresAt                 *time.Time `json:"expires_at,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	ChunkIDs                  []string   `json:"chunk_ids,omitempty"`
}

// ChunkedResult is the admission receipt for a chunked export.
type ChunkedResult struct {
	JobID      string   `json:"job_id"`
	ChunkIDs   []string `json:"chunk_ids"`
	TotalCount int      `json:"total_count"`
	Status     string   `json:"status"`
}

// Artifact is a downloadable finished export: either an inline body or, when
// downloads are presigned, a redirect URL straight to the object store.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
	RedirectURL string
}

// CreateExport validates and persists a job, dispatches it, then charges the
// ledger. The charge happens at admission, never at completion, and a failed
// admission never charges.
func (s *Service) CreateExport(ctx context.Context, ownerID string, req domain.CreateExportRequest) (domain.Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Job{}, errors.New("owner id is required")
	}
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	now := s.now().UTC()
	job := domain.Job{
		ID:             id.New(),
		OwnerID:        ownerID,
		Kind:           strings.ToLower(strings.TrimSpace(req.Kind)),
		Format:         domain.NormalizeFormat(req.Format),
		Status:         domain.JobStatusPending,
		Identifiers:    req.Identifiers,
		TotalCount:     len(req.Identifiers),
		OriginalHeader: req.OriginalHeader,
		ResultColumn:   req.ResultColumn,
		WebhookURL:     req.WebhookURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("persist export job: %w", err)
	}

	if err := s.dispatch(ctx, job.ID); err != nil {
		s.markDispatchFailed(ctx, job.ID, err)
		return domain.Job{}, fmt.Errorf("dispatch export job: %w", err)
	}

	s.chargeAdmission(ctx, ownerID, job.TotalCount)
	return job, nil
}

// CreateChunkedExport persists a parent plus one independent chunk job per
// partition and dispatches every chunk. The ledger is charged once, for the
// combined total.
func (s *Service) CreateChunkedExport(ctx context.Context, ownerID string, req domain.CreateChunkedExportRequest) (ChunkedResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return ChunkedResult{}, errors.New("owner id is required")
	}
	if err := req.Validate(); err != nil {
		return ChunkedResult{}, err
	}

	chunks := req.Chunks
	if len(chunks) == 0 {
		size := req.ChunkSize
		if size <= 0 {
			size = s.cfg.ChunkSize
		}
		chunks = SplitIdentifiers(req.Identifiers, size)
	}

	now := s.now().UTC()
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}

	parent := domain.Job{
		ID:             id.New(),
		OwnerID:        ownerID,
		Kind:           strings.ToLower(strings.TrimSpace(req.Kind)),
		Format:         domain.NormalizeFormat(req.Format),
		Status:         domain.JobStatusPending,
		TotalCount:     total,
		ChunkCount:     len(chunks),
		Merge:          req.Merge,
		OriginalHeader: req.OriginalHeader,
		ResultColumn:   req.ResultColumn,
		WebhookURL:     req.WebhookURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, parent); err != nil {
		return ChunkedResult{}, fmt.Errorf("persist parent job: %w", err)
	}

	chunkIDs := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		child := domain.Job{
			ID:             id.New(),
			OwnerID:        ownerID,
			Kind:           parent.Kind,
			Format:         parent.Format,
			Status:         domain.JobStatusPending,
			Identifiers:    chunk,
			TotalCount:     len(chunk),
			OriginalHeader: req.OriginalHeader,
			ResultColumn:   req.ResultColumn,
			ParentID:       parent.ID,
			ChunkIndex:     i,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.Create(ctx, child); err != nil {
			s.markDispatchFailed(ctx, parent.ID, err)
			return ChunkedResult{}, fmt.Errorf("persist chunk job %d: %w", i, err)
		}
		chunkIDs = append(chunkIDs, child.ID)
	}

	for i, chunkID := range chunkIDs {
		if err := s.dispatch(ctx, chunkID); err != nil {
			// The chunk never ran; record the fault so the parent derives
			// failed instead of hanging in pending.
			s.logger.Printf("chunk dispatch failed job_id=%s chunk=%d err=%v", chunkID, i, err)
			s.markDispatchFailed(ctx, chunkID, err)
		}
	}

	s.chargeAdmission(ctx, ownerID, total)
	return ChunkedResult{
		JobID:      parent.ID,
		ChunkIDs:   chunkIDs,
		TotalCount: total,
		Status:     domain.JobStatusPending,
	}, nil
}

// Status reports a job's current state. Parent jobs report a status derived
// from their chunks.
func (s *Service) Status(ctx context.Context, jobID, ownerID string) (StatusView, error) {
	job, ok, err := s.store.Get(ctx, jobID, ownerID)
	if err != nil {
		return StatusView{}, fmt.Errorf("load export job: %w", err)
	}
	if !ok {
		return StatusView{}, domain.ErrNotFound
	}

	if job.ChunkCount > 0 {
		return s.parentStatus(ctx, job)
	}
	return s.jobStatus(ctx, job), nil
}

// Download validates the token before anything else, then the token/job
// binding, then job state, and finally streams the artifact.
func (s *Service) Download(ctx context.Context, jobID, rawToken string) (Artifact, error) {
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		return Artifact{}, err
	}
	if claims.JobID != jobID {
		return Artifact{}, domain.ErrTokenMismatch
	}

	// Lookup under the token's owner: a token naming a foreign owner sees
	// the same not-found as a missing job.
	job, ok, err := s.store.Get(ctx, jobID, claims.OwnerID)
	if err != nil {
		return Artifact{}, fmt.Errorf("load export job: %w", err)
	}
	if !ok {
		return Artifact{}, domain.ErrNotFound
	}

	if job.Status != domain.JobStatusCompleted || job.ObjectKey == "" {
		return Artifact{}, domain.ErrNotReady
	}
	if job.ArtifactExpired(s.now().UTC()) {
		return Artifact{}, domain.ErrExpired
	}

	contentType := "text/csv"
	if domain.NormalizeFormat(job.Format) == domain.FormatXLSX {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}

	if s.cfg.PresignDownloads {
		signed, err := s.storage.PresignedGetURL(ctx, job.ObjectKey, job.ArtifactFilename(), s.cfg.DownloadTokenTTL)
		if err != nil {
			return Artifact{}, fmt.Errorf("presign artifact: %w", err)
		}
		return Artifact{
			Filename:    job.ArtifactFilename(),
			ContentType: contentType,
			RedirectURL: signed,
		}, nil
	}

	data, err := s.storage.ReadObject(ctx, job.ObjectKey)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	return Artifact{
		Filename:    job.ArtifactFilename(),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// Cancel requests cooperative cancellation. Re-cancelling a cancelled job is
// an idempotent success; a completed or failed job is an error.
func (s *Service) Cancel(ctx context.Context, jobID, ownerID string) error {
	job, ok, err := s.store.Get(ctx, jobID, ownerID)
	if err != nil {
		return fmt.Errorf("load export job: %w", err)
	}
	if !ok {
		return domain.ErrNotFound
	}

	status := job.Status
	if job.ChunkCount > 0 && !job.Merge {
		children, err := s.store.Children(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("load chunk jobs: %w", err)
		}
		status = domain.DeriveParentStatus(children)
	}

	switch status {
	case domain.JobStatusCancelled:
		return nil
	case domain.JobStatusCompleted, domain.JobStatusFailed:
		return domain.ErrAlreadyTerminal
	}

	if err := s.store.RequestCancel(ctx, jobID, ownerID); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) && job.Status == domain.JobStatusCancelled {
			return nil
		}
		return err
	}

	if job.ChunkCount > 0 {
		children, err := s.store.Children(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("load chunk jobs: %w", err)
		}
		for _, child := range children {
			if domain.IsTerminalStatus(child.Status) {
				continue
			}
			if err := s.store.RequestCancel(ctx, child.ID, ownerID); err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
				s.logger.Printf("chunk cancel failed job_id=%s chunk_id=%s err=%v", jobID, child.ID, err)
			}
		}
	}
	return nil
}

// List returns the owner's jobs, newest first, with download URLs for the
// completed unexpired ones.
func (s *Service) List(ctx context.Context, ownerID string) ([]StatusView, error) {
	jobs, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}

	views := make([]StatusView, 0, len(jobs))
	for _, job := range jobs {
		if job.ChunkCount > 0 {
			view, err := s.parentStatus(ctx, job)
			if err != nil {
				return nil, err
			}
			views = append(views, view)
			continue
		}
		views = append(views, s.jobStatus(ctx, job))
	}
	return views, nil
}

func (s *Service) jobStatus(ctx context.Context, job domain.Job) StatusView {
	view := StatusView{
		JobID:          job.ID,
		Status:         job.Status,
		Kind:           job.Kind,
		Format:         job.Format,
		TotalCount:     job.TotalCount,
		ProcessedCount: job.ProcessedCount,
		SkippedCount:   job.SkippedCount,
		ErrorMessage:   job.ErrorMessage,
		ExpiresAt:      job.ExpiresAt,
		CreatedAt:      job.CreatedAt,
	}

	if pct, ok := job.Progress(); ok {
		view.ProgressPercentage = &pct
	}
	if remaining, ok := job.EstimatedRemaining(s.cfg.BatchSize); ok {
		seconds := remaining.Seconds()
		view.EstimatedSecondsRemaining = &seconds
	}
	view.DownloadURL = s.downloadURL(ctx, job)
	return view
}

func (s *Service) parentStatus(ctx context.Context, parent domain.Job) (StatusView, error) {
	children, err := s.store.Children(ctx, parent.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("load chunk jobs: %w", err)
	}

	derived := domain.DeriveParentStatus(children)
	status := derived
	if parent.Merge {
		switch {
		case domain.IsTerminalStatus(parent.Status):
			// The merge outcome is authoritative once it exists.
			status = parent.Status
		case derived == domain.JobStatusCompleted:
			// All chunks done, merge still in flight.
			status = domain.JobStatusProcessing
		}
	}

	var processed, skipped int
	chunkIDs := make([]string, 0, len(children))
	errorMessage := parent.ErrorMessage
	for _, child := range children {
		processed += child.ProcessedCount
		skipped += child.SkippedCount
		chunkIDs = append(chunkIDs, child.ID)
		if errorMessage == "" && child.ErrorMessage != "" {
			errorMessage = child.ErrorMessage
		}
	}

	view := StatusView{
		JobID:          parent.ID,
		Status:         status,
		Kind:           parent.Kind,
		Format:         parent.Format,
		TotalCount:     parent.TotalCount,
		ProcessedCount: processed,
		SkippedCount:   skipped,
		ErrorMessage:   errorMessage,
		ExpiresAt:      parent.ExpiresAt,
		CreatedAt:      parent.CreatedAt,
		ChunkIDs:       chunkIDs,
	}

	if status != domain.JobStatusPending && parent.TotalCount > 0 {
		pct := float64(processed) / float64(parent.TotalCount) * 100
		view.ProgressPercentage = &pct
	}
	if parent.Merge {
		view.DownloadURL = s.downloadURL(ctx, parent)
	}
	return view, nil
}

func (s *Service) downloadURL(_ context.Context, job domain.Job) string {
	if job.Status != domain.JobStatusCompleted || job.ObjectKey == "" {
		return ""
	}
	if job.ArtifactExpired(s.now().UTC()) {
		return ""
	}

	raw, err := s.tokens.Issue(job.ID, job.OwnerID, s.cfg.DownloadTokenTTL)
	if err != nil {
		s.logger.Printf("token issue failed job_id=%s err=%v", job.ID, err)
		return ""
	}
	return fmt.Sprintf("%s/v1/exports/%s/download?token=%s", s.cfg.BaseURL, job.ID, url.QueryEscape(raw))
}

func (s *Service) dispatch(ctx context.Context, jobID string) error {
	_, err := s.queue.EnqueueRunExport(ctx, queue.RunExportPayload{
		JobID:       jobID,
		RequestedAt: s.now().UTC(),
	})
	return err
}

func (s *Service) markDispatchFailed(ctx context.Context, jobID string, cause error) {
	failed := domain.JobStatusFailed
	message := fmt.Sprintf("dispatch failed: %v", cause)
	if _, err := s.store.Update(ctx, jobID, store.JobUpdate{Status: &failed, ErrorMessage: &message}); err != nil {
		s.logger.Printf("mark dispatch failure failed job_id=%s err=%v", jobID, err)
	}
}

func (s *Service) chargeAdmission(ctx context.Context, ownerID string, rows int) {
	if s.ledger == nil {
		return
	}
	amount := rows * s.cfg.CreditsPerRow
	if err := s.ledger.Deduct(ctx, ownerID, amount); err != nil {
		// A ledger fault never aborts an admitted export.
		s.logger.Printf("credit deduction failed owner_id=%s amount=%d err=%v", ownerID, amount, err)
	}
}
