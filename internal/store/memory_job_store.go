package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
)

// MemoryJobStore keeps jobs in a mutex-guarded map. Claim and Update run
// under the same lock, so the single-writer discipline holds without
// cross-job coordination.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id, ownerID string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return domain.Job{}, false, nil
	}
	return job, true, nil
}

func (s *MemoryJobStore) GetAny(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) Update(_ context.Context, id string, update JobUpdate) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.ProcessedCount != nil {
		job.ProcessedCount = *update.ProcessedCount
	}
	if update.SkippedCount != nil {
		job.SkippedCount = *update.SkippedCount
	}
	if update.AvgBatchMillis != nil {
		job.AvgBatchMillis = *update.AvgBatchMillis
	}
	if update.ObjectKey != nil {
		job.ObjectKey = *update.ObjectKey
	}
	if update.ExpiresAt != nil {
		expiresAt := *update.ExpiresAt
		job.ExpiresAt = &expiresAt
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) Claim(_ context.Context, id string) (domain.Job, ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, AlreadyTaken, ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return job, AlreadyTaken, nil
	}

	if job.CancelRequested {
		job.Status = domain.JobStatusCancelled
		job.UpdatedAt = time.Now().UTC()
		s.jobs[id] = job
		return job, CancelledBeforeStart, nil
	}

	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, Claimed, nil
}

func (s *MemoryJobStore) RequestCancel(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	if domain.IsTerminalStatus(job.Status) {
		return domain.ErrAlreadyTerminal
	}

	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) List(_ context.Context, ownerID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryJobStore) Children(_ context.Context, parentID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var children []domain.Job
	for _, job := range s.jobs {
		if job.ParentID == parentID {
			children = append(children, job)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].ChunkIndex < children[j].ChunkIndex
	})
	return children, nil
}

func (s *MemoryJobStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []domain.Job
	for _, job := range s.jobs {
		if job.ExpiresAt != nil && !now.Before(*job.ExpiresAt) {
			expired = append(expired, job)
			if limit > 0 && len(expired) >= limit {
				break
			}
		}
	}
	return expired, nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}
