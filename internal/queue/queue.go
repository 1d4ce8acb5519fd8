package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
)

func (d *AsynqDispatcher) Arm(ctx context.Context, job *models.Job) error {
	taskPayload, err := json.Marshal(PublishJobPayload{JobID: job.ID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePublishJob, taskPayload)

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.ProcessAt(job.FireAt),
		asynq.Queue(d.queue),
		asynq.MaxRetry(d.maxRetry),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	d.log.Debug().Str("job_id", job.ID).Time("fire_at", job.FireAt).Msg("task scheduled")
	return nil
}

func (d *AsynqDispatcher) Disarm(_ context.Context, jobID string) error {
	err := d.inspector.DeleteTask(d.queue, jobID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("delete task %s: %w", jobID, err)
	}
	return nil
}
