package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

// Action is one run of a recurring task.
type Action func(ctx context.Context) error

// Locker holds a task key across processes. Acquire reports false when
// another holder has it. A failed release leaves the key to expire with its TTL.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func() error, ok bool, err error)
}

// Recurring runs actions on cron cadences with at most one run per task key
// in flight. A tick that lands during a run is dropped.
type Recurring struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

// NewRecurring builds a scheduler. locker may be nil for a single process.
func NewRecurring(locker Locker, lockTTL time.Duration, log zerolog.Logger) *Recurring {
	ctx, cancel := context.WithCancel(context.Background())
	return &Recurring{
		cron:    cron.New(),
		locker:  locker,
		lockTTL: lockTTL,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
	}
}

// ScheduleRecurring registers action under taskKey. cadence is a 5-field cron
// expression or a descriptor such as "@every 10m".
func (r *Recurring) ScheduleRecurring(taskKey, cadence string, action Action) error {
	sched, err := cron.ParseStandard(cadence)
	if err != nil {
		return fmt.Errorf("parse cadence %q for %s: %w", cadence, taskKey, err)
	}
	r.cron.Schedule(sched, cron.FuncJob(func() { r.run(taskKey, action) }))
	r.log.Info().Str("task", taskKey).Str("cadence", cadence).Msg("recurring task registered")
	return nil
}

func (r *Recurring) Start() {
	r.cron.Start()
}

// Stop halts ticking, cancels running actions and waits for them to return.
func (r *Recurring) Stop() {
	r.cron.Stop()
	r.cancel()
	r.wg.Wait()
}

// run executes one tick and reports whether the action ran.
func (r *Recurring) run(taskKey string, action Action) bool {
	start := time.Now()
	log := r.log.With().Str("task", taskKey).Logger()

	r.mu.Lock()
	if r.running[taskKey] || r.ctx.Err() != nil {
		r.mu.Unlock()
		metrics.ObserveRecurring(taskKey, "skipped", start)
		log.Warn().Msg("previous run still in flight, skipping tick")
		return false
	}
	r.running[taskKey] = true
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, taskKey)
		r.mu.Unlock()
		r.wg.Done()
	}()

	if r.locker != nil {
		release, ok, err := r.locker.Acquire(r.ctx, "recurring:"+taskKey, r.lockTTL)
		if err != nil {
			metrics.ObserveRecurring(taskKey, "error", start)
			log.Error().Err(err).Msg("acquire task lock")
			return false
		}
		if !ok {
			metrics.ObserveRecurring(taskKey, "skipped", start)
			log.Debug().Msg("task held by another process")
			return false
		}
		defer func() {
			if err := release(); err != nil {
				log.Warn().Err(err).Msg("release task lock")
			}
		}()
	}

	if err := action(r.ctx); err != nil {
		metrics.ObserveRecurring(taskKey, "error", start)
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("recurring task failed")
		return true
	}
	metrics.ObserveRecurring(taskKey, "ok", start)
	log.Debug().Dur("took", time.Since(start)).Msg("recurring task done")
	return true
}
