package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/exportflow/exportflow/internal/config"
	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/queue"
)

type stubRunner struct {
	ranJobs      []string
	runStatus    string
	runErr       error
	mergedJobs   []string
	finalAttempt bool
	mergeStatus  string
	mergeErr     error
}

func (r *stubRunner) Run(_ context.Context, jobID string) (string, error) {
	r.ranJobs = append(r.ranJobs, jobID)
	return r.runStatus, r.runErr
}

func (r *stubRunner) RunMerge(_ context.Context, parentID string, finalAttempt bool) (string, error) {
	r.mergedJobs = append(r.mergedJobs, parentID)
	r.finalAttempt = finalAttempt
	return r.mergeStatus, r.mergeErr
}

func newTestServer(t *testing.T, runner jobRunner) *Server {
	t.Helper()

	srv, err := NewServer(
		log.New(io.Discard, "", 0),
		config.QueueConfig{RedisAddr: "localhost:6379", Name: "exports"},
		config.WorkerConfig{Concurrency: 1, MaxActiveJobs: 1},
		runner,
	)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	return srv
}

func TestHandleRunExportInvokesRunner(t *testing.T) {
	runner := &stubRunner{runStatus: domain.JobStatusCompleted}
	srv := newTestServer(t, runner)

	task, err := queue.NewRunExportTask(queue.RunExportPayload{JobID: "job-1", RequestedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("NewRunExportTask returned error: %v", err)
	}

	if err := srv.handleRunExport(context.Background(), task); err != nil {
		t.Fatalf("handleRunExport returned error: %v", err)
	}
	if len(runner.ranJobs) != 1 || runner.ranJobs[0] != "job-1" {
		t.Fatalf("unexpected runs %v", runner.ranJobs)
	}
}

func TestHandleRunExportBadPayloadSkipsRetry(t *testing.T) {
	srv := newTestServer(t, &stubRunner{})

	task := asynq.NewTask(queue.TypeRunExport, []byte("not json"))
	err := srv.handleRunExport(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleRunExportPropagatesClaimFault(t *testing.T) {
	runner := &stubRunner{runErr: errors.New("store unreachable")}
	srv := newTestServer(t, runner)

	task, err := queue.NewRunExportTask(queue.RunExportPayload{JobID: "job-1", RequestedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("NewRunExportTask returned error: %v", err)
	}
	if err := srv.handleRunExport(context.Background(), task); err == nil {
		t.Fatal("expected error so the queue retries")
	}
}

func TestHandleMergeExportInvokesRunner(t *testing.T) {
	runner := &stubRunner{mergeStatus: domain.JobStatusCompleted}
	srv := newTestServer(t, runner)

	task, err := queue.NewMergeExportTask(queue.MergeExportPayload{ParentID: "parent-1", RequestedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("NewMergeExportTask returned error: %v", err)
	}

	if err := srv.handleMergeExport(context.Background(), task); err != nil {
		t.Fatalf("handleMergeExport returned error: %v", err)
	}
	if len(runner.mergedJobs) != 1 || runner.mergedJobs[0] != "parent-1" {
		t.Fatalf("unexpected merges %v", runner.mergedJobs)
	}
	// Without queue retry metadata the attempt is never treated as final.
	if runner.finalAttempt {
		t.Fatal("expected non-final attempt outside the queue")
	}
}

func TestNewServerRequiresRunner(t *testing.T) {
	_, err := NewServer(log.New(io.Discard, "", 0), config.QueueConfig{}, config.WorkerConfig{}, nil)
	if err == nil {
		t.Fatal("expected error for missing runner")
	}
}
