// Package export implements the export job engine: the orchestrator that
// admits jobs, the worker state machine that executes them, and the chunk
// coordination that fans large requests out and merges them back.
package export

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/queue"
)

// RowSource resolves one batch of identifiers to records, preserving input
// order. Identifiers that fail to resolve are absent from the result.
type RowSource interface {
	Fetch(ctx context.Context, kind string, identifiers []string) ([]domain.Record, error)
}

// ObjectStore holds finished artifacts. Keys are write-once.
type ObjectStore interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	RemoveObject(ctx context.Context, objectKey string) error
	PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error)
}

// Enqueuer dispatches job ids onto the processing queue.
type Enqueuer interface {
	EnqueueRunExport(ctx context.Context, payload queue.RunExportPayload) (*asynq.TaskInfo, error)
	EnqueueMergeExport(ctx context.Context, payload queue.MergeExportPayload) (*asynq.TaskInfo, error)
}

// CreditLedger charges owners at admission time.
type CreditLedger interface {
	Deduct(ctx context.Context, ownerID string, amount int) error
}

// WebhookSender delivers lifecycle notifications for jobs that asked for
// them.
type WebhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}
