// Package sweep retires export artifacts that are past retention: the object
// is removed first, then the job row, so a crash between the two leaves a
// harmless re-sweepable row rather than an orphaned object.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/exportflow/exportflow/internal/store"
)

type ObjectRemover interface {
	RemoveObject(ctx context.Context, objectKey string) error
}

type Reaper struct {
	logger   *log.Logger
	store    store.JobStore
	objects  ObjectRemover
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewReaper(logger *log.Logger, jobStore store.JobStore, objects ObjectRemover, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{
		logger:   logger,
		store:    jobStore,
		objects:  objects,
		interval: interval,
		batch:    100,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Printf("sweep failed err=%v", err)
			}
		}
	}
}

// Sweep removes one batch of expired artifacts and their job rows.
func (r *Reaper) Sweep(ctx context.Context) error {
	expired, err := r.store.ListExpired(ctx, r.now().UTC(), r.batch)
	if err != nil {
		return err
	}

	for _, job := range expired {
		if job.ObjectKey != "" {
			if err := r.objects.RemoveObject(ctx, job.ObjectKey); err != nil {
				r.logger.Printf("artifact removal failed job_id=%s object_key=%s err=%v", job.ID, job.ObjectKey, err)
				continue
			}
		}
		if err := r.store.Delete(ctx, job.ID); err != nil {
			r.logger.Printf("job removal failed job_id=%s err=%v", job.ID, err)
			continue
		}
		r.logger.Printf("reaped expired export job_id=%s object_key=%s", job.ID, job.ObjectKey)
	}
	return nil
}
