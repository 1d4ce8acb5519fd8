package queue

import (
	"context"
	"sync"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog"
)

// TimerDispatcher arms in-process timers. Nothing survives a restart, so the
// host calls Recover after Start.
type TimerDispatcher struct {
	clock clock.Clock
	log   zerolog.Logger
	sem   chan struct{}

	mu      sync.Mutex
	timers  map[string]clock.Timer
	ctx     context.Context
	handler Handler
	closed  bool
	wg      sync.WaitGroup
}

func NewTimerDispatcher(c clock.Clock, concurrency int, log zerolog.Logger) *TimerDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &TimerDispatcher{
		clock:  c,
		log:    log,
		sem:    make(chan struct{}, concurrency),
		timers: make(map[string]clock.Timer),
	}
}

func (d *TimerDispatcher) Start(ctx context.Context, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	d.handler = h
	return nil
}

func (d *TimerDispatcher) Arm(_ context.Context, job *models.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	if old, ok := d.timers[job.ID]; ok {
		old.Stop()
	}
	id := job.ID
	d.timers[id] = clock.At(d.clock, job.FireAt, func() { d.fire(id) })
	return nil
}

func (d *TimerDispatcher) Disarm(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[jobID]; ok {
		t.Stop()
		delete(d.timers, jobID)
	}
	return nil
}

// Armed reports how many timers are waiting to fire.
func (d *TimerDispatcher) Armed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *TimerDispatcher) fire(jobID string) {
	d.mu.Lock()
	delete(d.timers, jobID)
	h, ctx, closed := d.handler, d.ctx, d.closed
	if !closed && h != nil {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if closed {
		return
	}
	if h == nil {
		d.log.Warn().Str("job_id", jobID).Msg("timer fired before dispatcher start")
		return
	}
	defer d.wg.Done()

	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	if err := h(ctx, jobID); err != nil {
		d.log.Error().Err(err).Str("job_id", jobID).Msg("handle job")
	}
}

// Shutdown stops all pending timers and waits for running handlers.
func (d *TimerDispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
