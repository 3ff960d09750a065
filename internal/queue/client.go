package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const (
	maxRetry    = 3
	taskTimeout = 2 * time.Minute
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

func (c *Client) EnqueueThumbnail(ctx context.Context, payload ThumbnailPayload) (*asynq.TaskInfo, error) {
	task, err := NewThumbnailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.TaskID()),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
