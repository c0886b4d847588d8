package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"

	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

type CreateExportRequest struct {
	Kind           string   `json:"kind"`
	Format         string   `json:"format,omitempty"`
	Identifiers    []string `json:"identifiers"`
	OriginalHeader []string `json:"original_header,omitempty"`
	ResultColumn   string   `json:"result_column,omitempty"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
}

// CreateChunkedExportRequest admits a large export either pre-partitioned
// (Chunks) or as a flat Identifiers list that the orchestrator splits by
// ChunkSize. The two forms are mutually exclusive.
type CreateChunkedExportRequest struct {
	Kind           string     `json:"kind"`
	Format         string     `json:"format,omitempty"`
	Chunks         [][]string `json:"chunks,omitempty"`
	Identifiers    []string   `json:"identifiers,omitempty"`
	ChunkSize      int        `json:"chunk_size,omitempty"`
	Merge          bool       `json:"merge"`
	OriginalHeader []string   `json:"original_header,omitempty"`
	ResultColumn   string     `json:"result_column,omitempty"`
	WebhookURL     string     `json:"webhook_url,omitempty"`
}

// Job is both an export job and a chunk job; a chunk carries a non-empty
// ParentID. Only the worker that claimed the job mutates it, except for the
// cancel flag which the orchestrator may set.
type Job struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Kind            string     `json:"kind"`
	Format          string     `json:"format"`
	Status          string     `json:"status"`
	Identifiers     []string   `json:"identifiers,omitempty"`
	TotalCount      int        `json:"total_count"`
	ProcessedCount  int        `json:"processed_count"`
	SkippedCount    int        `json:"skipped_count"`
	OriginalHeader  []string   `json:"original_header,omitempty"`
	ResultColumn    string     `json:"result_column,omitempty"`
	ObjectKey       string     `json:"object_key,omitempty"`
	ParentID        string     `json:"parent_id,omitempty"`
	ChunkIndex      int        `json:"chunk_index"`
	ChunkCount      int        `json:"chunk_count"`
	Merge           bool       `json:"merge"`
	WebhookURL      string     `json:"webhook_url,omitempty"`
	AvgBatchMillis  int64      `json:"avg_batch_millis"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Record is one resolved row from the row source. Fields are column name to
// rendered value; columns absent from a record serialize as empty cells.
type Record struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

func (r CreateExportRequest) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return errors.New("kind is required")
	}
	if len(r.Identifiers) == 0 {
		return ErrEmptyIdentifiers
	}
	for i, identifier := range r.Identifiers {
		if strings.TrimSpace(identifier) == "" {
			return fmt.Errorf("identifiers[%d] is empty", i)
		}
	}
	if err := validateFormat(r.Format); err != nil {
		return err
	}
	return nil
}

func (r CreateChunkedExportRequest) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return errors.New("kind is required")
	}
	if len(r.Chunks) > 0 && len(r.Identifiers) > 0 {
		return errors.New("chunks and identifiers are mutually exclusive")
	}
	if len(r.Chunks) == 0 && len(r.Identifiers) == 0 {
		return ErrEmptyIdentifiers
	}
	for i, chunk := range r.Chunks {
		if len(chunk) == 0 {
			return fmt.Errorf("chunks[%d] is empty", i)
		}
	}
	for i, identifier := range r.Identifiers {
		if strings.TrimSpace(identifier) == "" {
			return fmt.Errorf("identifiers[%d] is empty", i)
		}
	}
	if r.ChunkSize < 0 {
		return errors.New("chunk_size must not be negative")
	}
	if err := validateFormat(r.Format); err != nil {
		return err
	}
	if r.Merge && NormalizeFormat(r.Format) != FormatCSV {
		return errors.New("merge is only supported for csv exports")
	}
	return nil
}

func validateFormat(format string) error {
	switch NormalizeFormat(format) {
	case FormatCSV, FormatXLSX:
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// NormalizeFormat lowercases and defaults an artifact format to csv.
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return FormatCSV
	}
	return format
}

func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ValidTransition encodes the monotonic status machine:
// pending -> processing -> {completed, failed, cancelled}, plus the direct
// pending -> cancelled edge when cancellation wins the claim race.
func ValidTransition(from, to string) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return IsTerminalStatus(to)
	}
	return false
}

// Progress returns the completion percentage, defined only once processing
// has started.
func (j Job) Progress() (float64, bool) {
	if j.Status == JobStatusPending || j.TotalCount == 0 {
		return 0, false
	}
	return float64(j.ProcessedCount) / float64(j.TotalCount) * 100, true
}

// EstimatedRemaining projects time to completion from the moving average of
// per-batch duration recorded by the worker.
func (j Job) EstimatedRemaining(batchSize int) (time.Duration, bool) {
	if j.Status != JobStatusProcessing || j.AvgBatchMillis <= 0 || batchSize <= 0 {
		return 0, false
	}
	remaining := j.TotalCount - j.ProcessedCount
	if remaining <= 0 {
		return 0, true
	}
	batches := (remaining + batchSize - 1) / batchSize
	return time.Duration(int64(batches)*j.AvgBatchMillis) * time.Millisecond, true
}

// ArtifactFilename is the download filename for this job's artifact.
func (j Job) ArtifactFilename() string {
	return fmt.Sprintf("export_%s.%s", j.ID, NormalizeFormat(j.Format))
}

// ArtifactExpired reports whether the completed artifact is past retention.
func (j Job) ArtifactExpired(now time.Time) bool {
	return j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
}

// DeriveParentStatus folds chunk statuses into the aggregate status of their
// parent: completed only when every chunk completed, failed as soon as any
// chunk failed, cancelled when everything is terminal with nothing completed.
func DeriveParentStatus(children []Job) string {
	if len(children) == 0 {
		return JobStatusPending
	}

	var completed, failed, cancelled, pending int
	for _, child := range children {
		switch child.Status {
		case JobStatusCompleted:
			completed++
		case JobStatusFailed:
			failed++
		case JobStatusCancelled:
			cancelled++
		case JobStatusPending:
			pending++
		}
	}

	switch {
	case failed > 0:
		return JobStatusFailed
	case completed == len(children):
		return JobStatusCompleted
	case cancelled == len(children), cancelled > 0 && completed+cancelled == len(children):
		return JobStatusCancelled
	case pending == len(children):
		return JobStatusPending
	default:
		return JobStatusProcessing
	}
}
