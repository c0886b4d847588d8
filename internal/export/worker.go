package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/encode"
	"github.com/exportflow/exportflow/internal/queue"
	"github.com/exportflow/exportflow/internal/store"
	"github.com/exportflow/exportflow/internal/webhook"
)

type WorkerConfig struct {
	// BatchSize is how many identifiers are resolved per row-source call.
	// Cancellation is observed between batches.
	BatchSize int
	// ArtifactTTL is the retention window stamped on completed artifacts.
	ArtifactTTL time.Duration
}

// Worker executes one claimed job at a time: stream, serialize, commit. It is
// the only writer of a job it has claimed.
type Worker struct {
	logger   *log.Logger
	store    store.JobStore
	rows     RowSource
	storage  ObjectStore
	queue    Enqueuer
	webhooks WebhookSender
	cfg      WorkerConfig
	now      func() time.Time
}

func NewWorker(
	logger *log.Logger,
	jobStore store.JobStore,
	rows RowSource,
	storage ObjectStore,
	enqueuer Enqueuer,
	webhooks WebhookSender,
	cfg WorkerConfig,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = 24 * time.Hour
	}

	return &Worker{
		logger:   logger,
		store:    jobStore,
		rows:     rows,
		storage:  storage,
		queue:    enqueuer,
		webhooks: webhooks,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run drives one job through the state machine and returns its terminal
// status. Pipeline faults are recorded in job state, never returned: a
// dispatch is consumed exactly once and polling observes the outcome.
func (w *Worker) Run(ctx context.Context, jobID string) (string, error) {
	job, result, err := w.store.Claim(ctx, jobID)
	if err != nil {
		if err == store.ErrJobNotFound {
			w.logger.Printf("dispatch for unknown job job_id=%s", jobID)
			return "", nil
		}
		return "", fmt.Errorf("claim job %s: %w", jobID, err)
	}

	switch result {
	case store.AlreadyTaken:
		// Duplicate dispatch; another worker owns (or owned) this job.
		w.logger.Printf("duplicate dispatch job_id=%s status=%s", jobID, job.Status)
		return job.Status, nil
	case store.CancelledBeforeStart:
		w.logger.Printf("cancelled before start job_id=%s", jobID)
		w.notify(ctx, job, webhook.EventCancelled, nil)
		return domain.JobStatusCancelled, nil
	}

	w.logger.Printf(
		"processing job_id=%s kind=%s format=%s rows=%d",
		job.ID, job.Kind, job.Format, job.TotalCount,
	)

	status := w.execute(ctx, job)
	return status, nil
}

func (w *Worker) execute(ctx context.Context, job domain.Job) string {
	header := encode.ResolveHeader(job.Kind, job.OriginalHeader, job.ResultColumn)
	enc, err := encode.New(job.Format, header)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("initialize encoder: %w", err))
	}

	var (
		processed int
		skipped   int
		avgMillis int64
		batches   int
	)

	for start := 0; start < len(job.Identifiers); start += w.cfg.BatchSize {
		// Cancellation checkpoint: the flag is re-read before every batch and
		// the partial artifact is discarded, never uploaded.
		cancelled, err := w.cancelRequested(ctx, job.ID)
		if err != nil {
			return w.fail(ctx, job, err)
		}
		if cancelled {
			return w.cancel(ctx, job)
		}

		end := min(start+w.cfg.BatchSize, len(job.Identifiers))
		batch := job.Identifiers[start:end]

		batchStart := w.now()
		records, err := w.rows.Fetch(ctx, job.Kind, batch)
		if err != nil {
			return w.fail(ctx, job, fmt.Errorf("fetch batch: %w", err))
		}
		if err := enc.Append(records); err != nil {
			return w.fail(ctx, job, fmt.Errorf("serialize batch: %w", err))
		}

		// Unresolvable identifiers count as processed: the job is measured
		// against its input, and a skip is never fatal.
		processed += len(batch)
		skipped += len(batch) - len(records)
		batches++
		avgMillis = movingAverage(avgMillis, w.now().Sub(batchStart).Milliseconds(), batches)

		update := store.JobUpdate{
			ProcessedCount: &processed,
			SkippedCount:   &skipped,
			AvgBatchMillis: &avgMillis,
		}
		if _, err := w.store.Update(ctx, job.ID, update); err != nil {
			return w.fail(ctx, job, fmt.Errorf("record progress: %w", err))
		}
	}

	body, err := enc.Finish()
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("finalize artifact: %w", err))
	}

	objectKey := artifactKey(job)
	if err := w.storage.WriteObject(ctx, objectKey, body, enc.ContentType()); err != nil {
		return w.fail(ctx, job, fmt.Errorf("upload artifact: %w", err))
	}

	completed := domain.JobStatusCompleted
	expiresAt := w.now().UTC().Add(w.cfg.ArtifactTTL)
	update := store.JobUpdate{
		Status:    &completed,
		ObjectKey: &objectKey,
		ExpiresAt: &expiresAt,
	}
	updated, err := w.store.Update(ctx, job.ID, update)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("record completion: %w", err))
	}
	job = updated

	w.logger.Printf(
		"completed job_id=%s rows=%d skipped=%d object_key=%s",
		job.ID, enc.Rows(), skipped, objectKey,
	)
	w.notify(ctx, job, webhook.EventCompleted, map[string]any{
		"object_key": objectKey,
		"rows":       enc.Rows(),
	})

	if job.ParentID != "" {
		w.maybeEnqueueMerge(ctx, job.ParentID)
	}
	return domain.JobStatusCompleted
}

func (w *Worker) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	current, ok, err := w.store.GetAny(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("re-read job: %w", err)
	}
	if !ok {
		return false, store.ErrJobNotFound
	}
	return current.CancelRequested, nil
}

func (w *Worker) cancel(ctx context.Context, job domain.Job) string {
	cancelled := domain.JobStatusCancelled
	if _, err := w.store.Update(ctx, job.ID, store.JobUpdate{Status: &cancelled}); err != nil {
		w.logger.Printf("record cancellation failed job_id=%s err=%v", job.ID, err)
	}
	w.logger.Printf("cancelled job_id=%s", job.ID)
	w.notify(ctx, job, webhook.EventCancelled, nil)
	return domain.JobStatusCancelled
}

func (w *Worker) fail(ctx context.Context, job domain.Job, cause error) string {
	failed := domain.JobStatusFailed
	message := cause.Error()
	if _, err := w.store.Update(ctx, job.ID, store.JobUpdate{Status: &failed, ErrorMessage: &message}); err != nil {
		w.logger.Printf("record failure failed job_id=%s err=%v", job.ID, err)
	}
	w.logger.Printf("failed job_id=%s err=%v", job.ID, cause)
	w.notify(ctx, job, webhook.EventFailed, map[string]any{"error": message})
	return domain.JobStatusFailed
}

func (w *Worker) notify(ctx context.Context, job domain.Job, event string, extra map[string]any) {
	endpoint := job.WebhookURL
	if endpoint == "" || w.webhooks == nil {
		return
	}

	payload := map[string]any{
		"job_id":      job.ID,
		"kind":        job.Kind,
		"event":       event,
		"total_count": job.TotalCount,
		"occurred_at": w.now().UTC(),
	}
	for key, value := range extra {
		payload[key] = value
	}
	if err := w.webhooks.Send(ctx, endpoint, event, payload); err != nil {
		w.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
	}
}

func (w *Worker) maybeEnqueueMerge(ctx context.Context, parentID string) {
	parent, ok, err := w.store.GetAny(ctx, parentID)
	if err != nil || !ok || !parent.Merge {
		return
	}

	children, err := w.store.Children(ctx, parentID)
	if err != nil {
		w.logger.Printf("load chunk jobs failed parent_id=%s err=%v", parentID, err)
		return
	}
	for _, child := range children {
		if child.Status != domain.JobStatusCompleted {
			return
		}
	}

	if _, err := w.queue.EnqueueMergeExport(ctx, queue.MergeExportPayload{
		ParentID:    parentID,
		RequestedAt: w.now().UTC(),
	}); err != nil {
		w.logger.Printf("merge enqueue failed parent_id=%s err=%v", parentID, err)
	}
}

func artifactKey(job domain.Job) string {
	return fmt.Sprintf("exports/%s.%s", job.ID, domain.NormalizeFormat(job.Format))
}

// movingAverage folds a new sample into an exponentially weighted batch
// duration; the first sample seeds it.
func movingAverage(prev, sample int64, n int) int64 {
	if n <= 1 {
		return sample
	}
	return (prev*3 + sample) / 4
}
