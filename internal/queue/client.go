package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueRunExport dispatches a job for execution. The claim CAS makes a
// duplicate delivery a no-op, so a retried enqueue is safe.
func (c *Client) EnqueueRunExport(ctx context.Context, payload RunExportPayload) (*asynq.TaskInfo, error) {
	task, err := NewRunExportTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	)
}

func (c *Client) EnqueueMergeExport(ctx context.Context, payload MergeExportPayload) (*asynq.TaskInfo, error) {
	task, err := NewMergeExportTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
