package export

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/store"
	"github.com/exportflow/exportflow/internal/webhook"
)

// SplitIdentifiers partitions identifiers into chunks of at most chunkSize,
// preserving order. The final chunk carries the remainder.
func SplitIdentifiers(identifiers []string, chunkSize int) [][]string {
	if chunkSize <= 0 || len(identifiers) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(identifiers)+chunkSize-1)/chunkSize)
	for start := 0; start < len(identifiers); start += chunkSize {
		end := min(start+chunkSize, len(identifiers))
		chunks = append(chunks, identifiers[start:end])
	}
	return chunks
}

// RunMerge concatenates the chunk artifacts of a merge parent into a single
// artifact, header once, chunks in index order. The parent claim dedupes
// concurrent merge dispatches; a redelivery after a crash finds the parent
// already processing and resumes.
//
// Transient faults return an error so the queue retries; only the final
// attempt marks the parent failed.
func (w *Worker) RunMerge(ctx context.Context, parentID string, finalAttempt bool) (string, error) {
	parent, result, err := w.store.Claim(ctx, parentID)
	if err != nil {
		if err == store.ErrJobNotFound {
			w.logger.Printf("merge dispatch for unknown job job_id=%s", parentID)
			return "", nil
		}
		return "", fmt.Errorf("claim merge parent %s: %w", parentID, err)
	}

	switch result {
	case store.AlreadyTaken:
		if parent.Status != domain.JobStatusProcessing {
			// A terminal parent means an earlier attempt finished; nothing to
			// redo.
			w.logger.Printf("duplicate merge dispatch job_id=%s status=%s", parentID, parent.Status)
			return parent.Status, nil
		}
	case store.CancelledBeforeStart:
		w.logger.Printf("merge cancelled before start job_id=%s", parentID)
		w.notify(ctx, parent, webhook.EventCancelled, nil)
		return domain.JobStatusCancelled, nil
	}

	status, err := w.merge(ctx, parent)
	if err != nil {
		if !finalAttempt {
			w.logger.Printf("merge attempt failed job_id=%s err=%v", parentID, err)
			return "", err
		}
		return w.fail(ctx, parent, fmt.Errorf("merge chunks: %w", err)), nil
	}
	return status, nil
}

func (w *Worker) merge(ctx context.Context, parent domain.Job) (string, error) {
	children, err := w.store.Children(ctx, parent.ID)
	if err != nil {
		return "", fmt.Errorf("load chunk jobs: %w", err)
	}
	if len(children) == 0 {
		return "", fmt.Errorf("merge parent %s has no chunks", parent.ID)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].ChunkIndex < children[j].ChunkIndex
	})

	var merged bytes.Buffer
	for i, child := range children {
		if child.Status != domain.JobStatusCompleted || child.ObjectKey == "" {
			return "", fmt.Errorf("chunk %d is %s, not completed", child.ChunkIndex, child.Status)
		}

		data, err := w.storage.ReadObject(ctx, child.ObjectKey)
		if err != nil {
			return "", fmt.Errorf("read chunk artifact %s: %w", child.ObjectKey, err)
		}
		if i > 0 {
			data = stripHeaderRow(data)
		}
		merged.Write(data)
	}

	objectKey := artifactKey(parent)
	if err := w.storage.WriteObject(ctx, objectKey, merged.Bytes(), "text/csv"); err != nil {
		return "", fmt.Errorf("upload merged artifact: %w", err)
	}

	completed := domain.JobStatusCompleted
	expiresAt := w.now().UTC().Add(w.cfg.ArtifactTTL)
	parent, err = w.store.Update(ctx, parent.ID, store.JobUpdate{
		Status:    &completed,
		ObjectKey: &objectKey,
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("record merge completion: %w", err)
	}

	w.logger.Printf(
		"merged job_id=%s chunks=%d bytes=%d object_key=%s",
		parent.ID, len(children), merged.Len(), objectKey,
	)
	w.notify(ctx, parent, webhook.EventCompleted, map[string]any{
		"object_key": objectKey,
		"chunks":     len(children),
	})
	return domain.JobStatusCompleted, nil
}

// stripHeaderRow drops everything up to and including the first newline. A
// chunk artifact always opens with its header row.
func stripHeaderRow(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[i+1:]
	}
	return nil
}
