// Package queue delivers due jobs to the executor. A Dispatcher only decides
// when a job id is handed over; the claim in the store decides whether it runs.
package queue

import (
	"context"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog"
)

// Handler runs one delivery of a job. Returning an error signals an
// infrastructure problem; the backend may redeliver.
type Handler func(ctx context.Context, jobID string) error

// Dispatcher arms a job to be handed to the Handler at or after its fire time.
// Deliveries may repeat; Handler implementations must be idempotent.
type Dispatcher interface {
	Arm(ctx context.Context, job *models.Job) error
	// Disarm is best effort. A delivery already underway is not interrupted.
	Disarm(ctx context.Context, jobID string) error
	Start(ctx context.Context, h Handler) error
	Shutdown()
}

const recoverBatch = 1000

// Recover re-arms every pending job found in the store. Backends that keep no
// durable state of their own need this on boot.
func Recover(ctx context.Context, d Dispatcher, jobs repository.JobRepository, log zerolog.Logger) (int, error) {
	pending, err := jobs.ListPending(ctx, recoverBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	armed := 0
	for _, job := range pending {
		if err := d.Arm(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("re-arm job")
			continue
		}
		armed++
	}
	log.Info().Int("armed", armed).Int("pending", len(pending)).Msg("recovered pending jobs")
	return armed, nil
}
