package export

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/exportflow/exportflow/internal/domain"
	"github.com/exportflow/exportflow/internal/queue"
	"github.com/exportflow/exportflow/internal/store"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeRowSource struct {
	mu      sync.Mutex
	records map[string]domain.Record
	err     error
	// onFetch runs before each batch resolves, with the batch identifiers.
	onFetch func(identifiers []string)
	fetches int
}

func (f *fakeRowSource) Fetch(_ context.Context, _ string, identifiers []string) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.onFetch != nil {
		f.onFetch(identifiers)
	}
	if f.err != nil {
		return nil, f.err
	}

	var out []domain.Record
	for _, id := range identifiers {
		if record, ok := f.records[id]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	presigns []string
	writeErr error
	readErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (f *fakeObjectStore) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}
	f.objects[objectKey] = append([]byte(nil), data...)
	f.types[objectKey] = contentType
	return nil
}

func (f *fakeObjectStore) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectKey)
	}
	return data, nil
}

func (f *fakeObjectStore) RemoveObject(_ context.Context, objectKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, objectKey)
	delete(f.types, objectKey)
	return nil
}

func (f *fakeObjectStore) PresignedGetURL(_ context.Context, objectKey, _ string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.objects[objectKey]; !ok {
		return "", fmt.Errorf("object %s not found", objectKey)
	}
	f.presigns = append(f.presigns, objectKey)
	return "https://storage.example.com/" + objectKey, nil
}

// faultingJobStore injects write failures into selected Update calls while
// delegating everything else to the wrapped store.
type faultingJobStore struct {
	store.JobStore
	failOn func(update store.JobUpdate) bool
}

func (f *faultingJobStore) Update(ctx context.Context, jobID string, update store.JobUpdate) (domain.Job, error) {
	if f.failOn != nil && f.failOn(update) {
		return domain.Job{}, fmt.Errorf("store write refused")
	}
	return f.JobStore.Update(ctx, jobID, update)
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	runs     []queue.RunExportPayload
	merges   []queue.MergeExportPayload
	runErr   error
	mergeErr error
}

func (f *fakeEnqueuer) EnqueueRunExport(_ context.Context, payload queue.RunExportPayload) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runs = append(f.runs, payload)
	return &asynq.TaskInfo{ID: payload.JobID}, nil
}

func (f *fakeEnqueuer) EnqueueMergeExport(_ context.Context, payload queue.MergeExportPayload) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	f.merges = append(f.merges, payload)
	return &asynq.TaskInfo{ID: payload.ParentID}, nil
}

type deduction struct {
	ownerID string
	amount  int
}

type fakeLedger struct {
	mu         sync.Mutex
	deductions []deduction
	err        error
}

func (f *fakeLedger) Deduct(_ context.Context, ownerID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.deductions = append(f.deductions, deduction{ownerID: ownerID, amount: amount})
	return nil
}

type sentWebhook struct {
	endpoint string
	event    string
}

type fakeWebhooks struct {
	mu   sync.Mutex
	sent []sentWebhook
}

func (f *fakeWebhooks) Send(_ context.Context, endpoint, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, sentWebhook{endpoint: endpoint, event: event})
	return nil
}

func (f *fakeWebhooks) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.event)
	}
	return out
}
