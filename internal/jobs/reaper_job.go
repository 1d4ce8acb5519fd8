package job

import (
	"context"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog"
)

const overdueBatch = 500

// StaleJobReaper returns jobs whose worker vanished mid-attempt to pending and
// re-arms them, along with pending jobs that should have fired a lease ago.
type StaleJobReaper struct {
	jobs       repository.JobRepository
	dispatcher queue.Dispatcher
	clock      clock.Clock
	lease      time.Duration
	log        zerolog.Logger
}

func NewStaleJobReaper(jobs repository.JobRepository, d queue.Dispatcher, c clock.Clock, lease time.Duration, log zerolog.Logger) *StaleJobReaper {
	return &StaleJobReaper{jobs: jobs, dispatcher: d, clock: c, lease: lease, log: log}
}

func (r *StaleJobReaper) Reap(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.lease)

	requeued, err := r.jobs.RequeueStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	overdue, err := r.jobs.ListDue(ctx, cutoff, overdueBatch)
	if err != nil {
		return fmt.Errorf("list overdue jobs: %w", err)
	}

	seen := make(map[string]bool, len(requeued)+len(overdue))
	armed := 0
	for _, job := range append(requeued, overdue...) {
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		if err := r.dispatcher.Arm(ctx, job); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("re-arm job")
			continue
		}
		armed++
	}
	if len(requeued) > 0 || armed > 0 {
		r.log.Warn().Int("requeued", len(requeued)).Int("armed", armed).Msg("reaped stale jobs")
	}
	return nil
}
