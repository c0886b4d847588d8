package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCreateExportRequestValidate(t *testing.T) {
	valid := CreateExportRequest{
		Kind:        "contacts",
		Identifiers: []string{"id1", "id2"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	empty := CreateExportRequest{Kind: "contacts"}
	if err := empty.Validate(); !errors.Is(err, ErrEmptyIdentifiers) {
		t.Fatalf("expected ErrEmptyIdentifiers, got %v", err)
	}

	missingKind := CreateExportRequest{Identifiers: []string{"id1"}}
	if err := missingKind.Validate(); err == nil {
		t.Fatal("expected validation error for missing kind")
	}

	badFormat := CreateExportRequest{
		Kind:        "contacts",
		Format:      "parquet",
		Identifiers: []string{"id1"},
	}
	if err := badFormat.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported format")
	}
}

func TestCreateChunkedExportRequestValidate(t *testing.T) {
	valid := CreateChunkedExportRequest{
		Kind:   "contacts",
		Chunks: [][]string{{"id1"}, {"id2", "id3"}},
		Merge:  true,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	emptyChunk := CreateChunkedExportRequest{
		Kind:   "contacts",
		Chunks: [][]string{{"id1"}, {}},
	}
	if err := emptyChunk.Validate(); err == nil {
		t.Fatal("expected validation error for empty chunk")
	}

	xlsxMerge := CreateChunkedExportRequest{
		Kind:   "contacts",
		Format: FormatXLSX,
		Chunks: [][]string{{"id1"}},
		Merge:  true,
	}
	if err := xlsxMerge.Validate(); err == nil {
		t.Fatal("expected validation error for xlsx merge")
	}

	flat := CreateChunkedExportRequest{
		Kind:        "contacts",
		Identifiers: []string{"id1", "id2"},
		ChunkSize:   1,
	}
	if err := flat.Validate(); err != nil {
		t.Fatalf("expected valid flat request, got error: %v", err)
	}

	both := CreateChunkedExportRequest{
		Kind:        "contacts",
		Chunks:      [][]string{{"id1"}},
		Identifiers: []string{"id2"},
	}
	if err := both.Validate(); err == nil {
		t.Fatal("expected validation error for both chunks and identifiers")
	}

	negativeSize := CreateChunkedExportRequest{
		Kind:        "contacts",
		Identifiers: []string{"id1"},
		ChunkSize:   -1,
	}
	if err := negativeSize.Validate(); err == nil {
		t.Fatal("expected validation error for negative chunk size")
	}
}

func TestValidTransition(t *testing.T) {
	allowed := [][2]string{
		{JobStatusPending, JobStatusProcessing},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusProcessing, JobStatusCompleted},
		{JobStatusProcessing, JobStatusFailed},
		{JobStatusProcessing, JobStatusCancelled},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}

	denied := [][2]string{
		{JobStatusPending, JobStatusCompleted},
		{JobStatusCompleted, JobStatusProcessing},
		{JobStatusFailed, JobStatusPending},
		{JobStatusCancelled, JobStatusProcessing},
		{JobStatusProcessing, JobStatusPending},
	}
	for _, tr := range denied {
		if ValidTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be rejected", tr[0], tr[1])
		}
	}
}

func TestProgressAndEstimate(t *testing.T) {
	job := Job{Status: JobStatusPending, TotalCount: 100}
	if _, ok := job.Progress(); ok {
		t.Fatal("pending job should report no progress")
	}

	job.Status = JobStatusProcessing
	job.ProcessedCount = 25
	pct, ok := job.Progress()
	if !ok || pct != 25 {
		t.Fatalf("expected progress 25, got %v (ok=%v)", pct, ok)
	}

	job.AvgBatchMillis = 200
	remaining, ok := job.EstimatedRemaining(50)
	if !ok {
		t.Fatal("expected an estimate while processing")
	}
	// 75 rows left at 50 rows per batch rounds up to 2 batches.
	if remaining != 400*time.Millisecond {
		t.Fatalf("expected 400ms remaining, got %v", remaining)
	}

	job.Status = JobStatusCompleted
	if _, ok := job.EstimatedRemaining(50); ok {
		t.Fatal("completed job should report no estimate")
	}
}

func TestDeriveParentStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"all completed", []string{JobStatusCompleted, JobStatusCompleted}, JobStatusCompleted},
		{"any failed", []string{JobStatusCompleted, JobStatusFailed, JobStatusProcessing}, JobStatusFailed},
		{"all cancelled", []string{JobStatusCancelled, JobStatusCancelled}, JobStatusCancelled},
		{"abandoned mix", []string{JobStatusCompleted, JobStatusCancelled}, JobStatusCancelled},
		{"all pending", []string{JobStatusPending, JobStatusPending}, JobStatusPending},
		{"in flight", []string{JobStatusCompleted, JobStatusProcessing}, JobStatusProcessing},
		{"pending and completed", []string{JobStatusPending, JobStatusCompleted}, JobStatusProcessing},
	}

	for _, tc := range cases {
		children := make([]Job, len(tc.statuses))
		for i, status := range tc.statuses {
			children[i] = Job{Status: status}
		}
		if got := DeriveParentStatus(children); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestArtifactHelpers(t *testing.T) {
	job := Job{ID: "abc123", Format: FormatCSV}
	if name := job.ArtifactFilename(); name != "export_abc123.csv" {
		t.Fatalf("unexpected filename %s", name)
	}

	now := time.Now().UTC()
	expired := now.Add(-time.Minute)
	job.ExpiresAt = &expired
	if !job.ArtifactExpired(now) {
		t.Fatal("expected artifact to be expired")
	}

	future := now.Add(time.Hour)
	job.ExpiresAt = &future
	if job.ArtifactExpired(now) {
		t.Fatal("expected artifact to be live")
	}
}
