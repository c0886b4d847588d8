package store

import (
	"context"
	"errors"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// ClaimResult is the outcome of the atomic pending->processing swap.
type ClaimResult int

const (
	// Claimed means this caller now owns the job.
	Claimed ClaimResult = iota
	// AlreadyTaken means the job left pending before this claim; the
	// duplicate dispatch must exit as a no-op.
	AlreadyTaken
	// CancelledBeforeStart means cancellation was requested while the job
	// was still pending; the store flipped it straight to cancelled.
	CancelledBeforeStart
)

// JobUpdate is an atomic partial update. Nil fields are left untouched.
// Only the worker that claimed a job may apply updates to it.
type JobUpdate struct {
	Status         *string
	ProcessedCount *int
	SkippedCount   *int
	AvgBatchMillis *int64
	ObjectKey      *string
	ExpiresAt      *time.Time
	ErrorMessage   *string
}

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error

	// Get is ownership-checked: a mismatched owner is indistinguishable
	// from a missing job.
	Get(ctx context.Context, id, ownerID string) (domain.Job, bool, error)

	// GetAny looks a job up without an ownership check. Worker-side only;
	// the public surface always goes through Get.
	GetAny(ctx context.Context, id string) (domain.Job, bool, error)

	Update(ctx context.Context, id string, update JobUpdate) (domain.Job, error)

	// Claim performs the pending->processing compare-and-swap, resolving the
	// cancel race atomically: a pending job with cancel_requested set moves
	// to cancelled instead.
	Claim(ctx context.Context, id string) (domain.Job, ClaimResult, error)

	// RequestCancel sets cancel_requested while the job is still pending or
	// processing; terminal jobs return domain.ErrAlreadyTerminal.
	RequestCancel(ctx context.Context, id, ownerID string) error

	// List returns the owner's jobs ordered by created_at descending.
	List(ctx context.Context, ownerID string) ([]domain.Job, error)

	// Children returns a parent's chunk jobs ordered by chunk index.
	Children(ctx context.Context, parentID string) ([]domain.Job, error)

	// ListExpired returns completed jobs whose artifacts are past retention.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)

	Delete(ctx context.Context, id string) error
}
