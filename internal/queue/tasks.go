package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeRunExport   = "export:run"
	TypeMergeExport = "export:merge"
)

// RunExportPayload carries only the job id; the worker re-reads the job row
// so a stale payload can never override the store.
type RunExportPayload struct {
	JobID       string    `json:"job_id"`
	RequestedAt time.Time `json:"requested_at"`
}

type MergeExportPayload struct {
	ParentID    string    `json:"parent_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRunExportTask(payload RunExportPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal run payload: %w", err)
	}
	return asynq.NewTask(TypeRunExport, body), nil
}

func ParseRunExportPayload(task *asynq.Task) (RunExportPayload, error) {
	var payload RunExportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunExportPayload{}, fmt.Errorf("unmarshal run payload: %w", err)
	}
	return payload, nil
}

func NewMergeExportTask(payload MergeExportPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal merge payload: %w", err)
	}
	return asynq.NewTask(TypeMergeExport, body), nil
}

func ParseMergeExportPayload(task *asynq.Task) (MergeExportPayload, error) {
	var payload MergeExportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return MergeExportPayload{}, fmt.Errorf("unmarshal merge payload: %w", err)
	}
	return payload, nil
}
