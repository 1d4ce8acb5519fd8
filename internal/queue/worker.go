package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

func (d *AsynqDispatcher) handlePublishJobTask(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload PublishJobPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			// a malformed payload will never succeed
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		return h(ctx, payload.JobID)
	}
}

func (d *AsynqDispatcher) Start(_ context.Context, h Handler) error {
	d.server = asynq.NewServer(d.redis, asynq.Config{
		Concurrency: d.concurrency,
		Queues:      map[string]int{d.queue: 1},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypePublishJob, d.handlePublishJobTask(h))

	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	d.log.Info().Str("queue", d.queue).Int("concurrency", d.concurrency).Msg("asynq worker started")
	return nil
}

func (d *AsynqDispatcher) Shutdown() {
	if d.server != nil {
		d.server.Shutdown()
	}
	if err := d.client.Close(); err != nil {
		d.log.Error().Err(err).Msg("close asynq client")
	}
	if err := d.inspector.Close(); err != nil {
		d.log.Error().Err(err).Msg("close asynq inspector")
	}
}
