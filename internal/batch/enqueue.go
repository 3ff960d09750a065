package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/thumbnailer/internal/id"
	"github.com/dunamismax/thumbnailer/internal/queue"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type enqueuer interface {
	EnqueueThumbnail(ctx context.Context, payload queue.ThumbnailPayload) (*asynq.TaskInfo, error)
}

type EnqueueSummary struct {
	RunID     string
	Enqueued  int
	Duplicate int
}

// Enqueue hands every file of the input directory to the worker queue instead
// of processing it locally. Re-enqueueing a file already queued under the same
// run is counted as a duplicate, not an error.
func (r *Runner) Enqueue(ctx context.Context, client enqueuer) (EnqueueSummary, error) {
	out := EnqueueSummary{RunID: id.NewRun()}
	logger := r.logger.With(zap.String("run_id", id.Short(out.RunID)))

	tasks, err := r.prepare()
	if err != nil {
		return out, err
	}

	requestedAt := time.Now().UTC()
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		info, err := client.EnqueueThumbnail(ctx, queue.ThumbnailPayload{
			RunID:       out.RunID,
			InputPath:   task.InputPath,
			OutputPath:  task.OutputPath,
			Spec:        r.opts.Spec,
			RequestedAt: requestedAt,
		})
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			out.Duplicate++
			logger.Debug("task already queued", zap.String("file", task.Name()))
		case err != nil:
			return out, fmt.Errorf("enqueue %s: %w", task.Name(), err)
		default:
			out.Enqueued++
			logger.Debug("task enqueued", zap.String("file", task.Name()), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
		}
	}

	logger.Info("batch enqueued",
		zap.Int("enqueued", out.Enqueued),
		zap.Int("duplicate", out.Duplicate),
	)
	return out, nil
}
