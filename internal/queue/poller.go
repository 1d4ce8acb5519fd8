package queue

import (
	"context"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog"
)

// Poller treats the job store as the queue: every interval it lists due
// pending jobs and hands them to a fixed pool of workers.
type Poller struct {
	jobs     repository.JobRepository
	clock    clock.Clock
	interval time.Duration
	batch    int
	workers  int
	log      zerolog.Logger

	wakeup chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type PollerConfig struct {
	Interval    time.Duration
	Batch       int
	Concurrency int
}

func NewPoller(jobs repository.JobRepository, c clock.Clock, cfg PollerConfig, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Poller{
		jobs:     jobs,
		clock:    c,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		workers:  cfg.Concurrency,
		log:      log,
		wakeup:   make(chan struct{}, 1),
	}
}

// Arm only nudges the loop when the job is already due; the store holds the schedule.
func (p *Poller) Arm(_ context.Context, job *models.Job) error {
	if !job.FireAt.After(p.clock.Now()) {
		select {
		case p.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Disarm is a no-op. A cancelled job is no longer pending and will not be listed.
func (p *Poller) Disarm(context.Context, string) error { return nil }

func (p *Poller) Start(ctx context.Context, h Handler) error {
	ctx, p.cancel = context.WithCancel(ctx)
	work := make(chan string)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for id := range work {
				if err := h(ctx, id); err != nil {
					p.log.Error().Err(err).Str("job_id", id).Msg("handle job")
				}
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(work)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.log.Info().Dur("interval", p.interval).Int("workers", p.workers).Msg("poller started")
		for {
			select {
			case <-ctx.Done():
				p.log.Info().Msg("poller stopping")
				return
			case <-ticker.C:
			case <-p.wakeup:
			}
			if !p.pollOnce(ctx, work) {
				return
			}
		}
	}()
	return nil
}

// pollOnce returns false when ctx ended while handing out work.
func (p *Poller) pollOnce(ctx context.Context, work chan<- string) bool {
	due, err := p.jobs.ListDue(ctx, p.clock.Now(), p.batch)
	if err != nil {
		p.log.Error().Err(err).Msg("list due jobs")
		return ctx.Err() == nil
	}
	for _, job := range due {
		select {
		case work <- job.ID:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (p *Poller) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
