package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/credentials"
	"github.com/maheshrc27/postflow/internal/media"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	msgConnectionInactive = "platform connection is not active"
	defaultPublishTimeout = 60 * time.Second
)

type Executor interface {
	// HandleJob runs one delivery of a job. Platform-level failures are
	// recorded on the platform job; only store failures are returned.
	HandleJob(ctx context.Context, jobID string) error
}

type executor struct {
	posts        repository.PostRepository
	platformJobs repository.PlatformJobRepository
	jobs         repository.JobRepository
	conns        repository.ConnectionRepository
	registry     *publisher.Registry
	media        media.Store
	sealer       *credentials.Sealer
	dispatcher   queue.Dispatcher
	aggregator   Aggregator
	clock        clock.Clock
	timeout      time.Duration
	log          zerolog.Logger
}

type ExecutorDeps struct {
	Repos      *repository.Repositories
	Registry   *publisher.Registry
	Media      media.Store
	Sealer     *credentials.Sealer
	Dispatcher queue.Dispatcher
	Aggregator Aggregator
	Clock      clock.Clock
	Timeout    time.Duration
}

func NewExecutor(deps ExecutorDeps, log zerolog.Logger) Executor {
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &executor{
		posts:        deps.Repos.Posts,
		platformJobs: deps.Repos.PlatformJobs,
		jobs:         deps.Repos.Jobs,
		conns:        deps.Repos.Connections,
		registry:     deps.Registry,
		media:        deps.Media,
		sealer:       deps.Sealer,
		dispatcher:   deps.Dispatcher,
		aggregator:   deps.Aggregator,
		clock:        deps.Clock,
		timeout:      timeout,
		log:          log,
	}
}

func (e *executor) HandleJob(ctx context.Context, jobID string) error {
	ok, err := e.jobs.Claim(ctx, jobID, e.clock.Now())
	if err != nil {
		return infraError("claim job", err)
	}
	if !ok {
		metrics.ClaimConflicts.Inc()
		e.log.Debug().Str("job_id", jobID).Msg("job already claimed or finished")
		return nil
	}

	// state writes after the claim must land even if the delivery context ends
	wctx := context.WithoutCancel(ctx)

	job, err := e.jobs.GetByID(wctx, jobID)
	if err != nil {
		return infraError("get job", err)
	}
	log := e.log.With().Str("job_id", job.ID).Int64("post_id", job.PostID).Str("platform", job.Platform).Int("attempt", job.Attempt).Logger()

	pj, err := e.platformJobs.GetByID(wctx, job.PlatformJobID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info().Msg("platform job gone, dropping job")
		return e.finishJob(wctx, job, models.JobCancelled)
	}
	if err != nil {
		return infraError("get platform job", err)
	}
	if pj.JobID != job.ID || pj.Status.Terminal() {
		log.Info().Str("current_job_id", pj.JobID).Str("status", string(pj.Status)).Msg("job superseded")
		return e.finishJob(wctx, job, models.JobCancelled)
	}

	post, err := e.posts.GetByID(wctx, job.PostID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info().Msg("post gone, dropping job")
		return e.finishJob(wctx, job, models.JobCancelled)
	}
	if err != nil {
		return infraError("get post", err)
	}

	attempts := job.Attempt + 1
	ok, err = e.platformJobs.Transition(wctx, pj.ID,
		repository.PlatformJobCond{
			From:  []models.PlatformJobStatus{models.PlatformJobScheduled, models.PlatformJobProcessing},
			JobID: job.ID,
		},
		models.PlatformJobUpdate{Status: models.PlatformJobProcessing, Attempts: &attempts})
	if err != nil {
		return infraError("start platform job", err)
	}
	if !ok {
		log.Info().Msg("platform job changed before start")
		return e.finishJob(wctx, job, models.JobCancelled)
	}

	start := time.Now()
	req, err := e.buildRequest(wctx, post, job)
	if err != nil {
		return e.handleFailure(wctx, log, job, pj, err, start)
	}

	res, err := e.publish(ctx, req)
	if err != nil {
		return e.handleFailure(wctx, log, job, pj, err, start)
	}
	return e.succeed(wctx, log, job, pj, res, start)
}

// buildRequest checks the connection, credentials and media before any
// publisher is called. Errors are permanent unless marked otherwise.
func (e *executor) buildRequest(ctx context.Context, post *models.Post, job *models.Job) (publisher.Request, error) {
	conn, err := e.conns.GetByUserAndPlatform(ctx, post.UserID, job.Platform)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return publisher.Request{}, publisher.Transient(job.Platform, fmt.Errorf("load connection: %w", err))
	}
	if conn == nil || !conn.IsActive {
		return publisher.Request{}, publisher.Permanent(job.Platform, errors.New(msgConnectionInactive))
	}
	if conn.AccessToken, err = e.sealer.Open(conn.AccessToken); err != nil {
		return publisher.Request{}, publisher.Permanent(job.Platform, fmt.Errorf("unseal access token: %w", err))
	}
	if conn.RefreshToken, err = e.sealer.Open(conn.RefreshToken); err != nil {
		return publisher.Request{}, publisher.Permanent(job.Platform, fmt.Errorf("unseal refresh token: %w", err))
	}

	items := make([]publisher.Media, 0, len(post.MediaRefs))
	kinds := make([]media.Kind, 0, len(post.MediaRefs))
	for _, key := range post.MediaRefs {
		kind := media.KindUnknown
		if e.media != nil {
			kind, err = e.media.Kind(ctx, key)
			if errors.Is(err, media.ErrObjectNotFound) {
				return publisher.Request{}, publisher.Permanent(job.Platform, fmt.Errorf("media %s: %w", key, err))
			}
			if err != nil {
				return publisher.Request{}, publisher.Transient(job.Platform, fmt.Errorf("media %s: %w", key, err))
			}
		}
		items = append(items, publisher.Media{Key: key, Kind: kind})
		kinds = append(kinds, kind)
	}

	if err := e.registry.Validate(job.Platform, post.Content, kinds); err != nil {
		return publisher.Request{}, publisher.Permanent(job.Platform, err)
	}

	return publisher.Request{
		PostID:     post.ID,
		Platform:   job.Platform,
		Content:    post.Content,
		Media:      items,
		Connection: conn,
		Attempt:    job.Attempt,
	}, nil
}

type publishOutcome struct {
	res publisher.Result
	err error
}

// publish bounds the call even when the publisher ignores ctx.
func (e *executor) publish(ctx context.Context, req publisher.Request) (publisher.Result, error) {
	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan publishOutcome, 1)
	go func() {
		res, err := e.registry.Publish(pctx, req)
		done <- publishOutcome{res: res, err: err}
	}()

	select {
	case <-pctx.Done():
		return publisher.Result{}, publisher.Transient(req.Platform, fmt.Errorf("publish timed out after %s: %w", e.timeout, pctx.Err()))
	case out := <-done:
		if out.err != nil && ctx.Err() != nil {
			// the delivery ended under the publisher, not the platform refusing
			return out.res, publisher.Transient(req.Platform, out.err)
		}
		return out.res, out.err
	}
}

func (e *executor) succeed(ctx context.Context, log zerolog.Logger, job *models.Job, pj *models.PlatformJob, res publisher.Result, start time.Time) error {
	now := e.clock.Now()
	empty := ""
	ok, err := e.platformJobs.Transition(ctx, pj.ID,
		repository.PlatformJobCond{From: []models.PlatformJobStatus{models.PlatformJobProcessing}, JobID: job.ID},
		models.PlatformJobUpdate{
			Status:         models.PlatformJobPublished,
			PlatformPostID: &res.PlatformPostID,
			ExecutedAt:     &now,
			ErrorMessage:   &empty,
		})
	if err != nil {
		return infraError("publish platform job", err)
	}
	if !ok {
		log.Warn().Str("platform_post_id", res.PlatformPostID).Msg("published but platform job no longer tracked")
	}
	if err := e.finishJob(ctx, job, models.JobSucceeded); err != nil {
		return err
	}

	metrics.ObservePublish(job.Platform, "published", start)
	log.Info().Str("platform_post_id", res.PlatformPostID).Msg("published")
	e.reconcile(ctx, log, job.PostID)
	return nil
}

func (e *executor) handleFailure(ctx context.Context, log zerolog.Logger, job *models.Job, pj *models.PlatformJob, cause error, start time.Time) error {
	if !publisher.IsTransient(cause) {
		return e.fail(ctx, log, job, pj, failureReason(cause), start)
	}
	if !job.HasAttemptsLeft() {
		return e.fail(ctx, log, job, pj, fmt.Sprintf("attempts exhausted: %s", failureReason(cause)), start)
	}

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	next := &models.Job{
		ID:            id,
		PostID:        job.PostID,
		PlatformJobID: job.PlatformJobID,
		Platform:      job.Platform,
		FireAt:        e.clock.Now().Add(job.Backoff.Delay(job.Attempt)),
		Attempt:       job.Attempt + 1,
		MaxAttempts:   job.MaxAttempts,
		Backoff:       job.Backoff,
		Status:        models.JobPending,
	}
	if err := e.jobs.Create(ctx, next); err != nil {
		return infraError("create retry job", err)
	}

	msg := failureReason(cause)
	ok, err := e.platformJobs.Transition(ctx, pj.ID,
		repository.PlatformJobCond{From: []models.PlatformJobStatus{models.PlatformJobProcessing}, JobID: job.ID},
		models.PlatformJobUpdate{
			Status:       models.PlatformJobScheduled,
			JobID:        &next.ID,
			FireAt:       &next.FireAt,
			ErrorMessage: &msg,
		})
	if err != nil {
		return infraError("reschedule platform job", err)
	}
	if !ok {
		if _, err := e.jobs.Transition(ctx, next.ID, models.JobPending, models.JobCancelled); err != nil {
			return infraError("cancel retry job", err)
		}
		log.Info().Msg("platform job changed during attempt, not retrying")
		return e.finishJob(ctx, job, models.JobFailed)
	}
	if err := e.finishJob(ctx, job, models.JobRetried); err != nil {
		return err
	}

	metrics.ObservePublish(job.Platform, "retried", start)
	log.Warn().Err(cause).Str("next_job_id", next.ID).Time("fire_at", next.FireAt).Msg("publish failed, retry scheduled")

	if err := e.dispatcher.Arm(ctx, next); err != nil {
		// the job stays pending in the store; the reaper re-arms it
		log.Error().Err(err).Str("next_job_id", next.ID).Msg("arm retry job")
	}
	return nil
}

func (e *executor) fail(ctx context.Context, log zerolog.Logger, job *models.Job, pj *models.PlatformJob, reason string, start time.Time) error {
	now := e.clock.Now()
	_, err := e.platformJobs.Transition(ctx, pj.ID,
		repository.PlatformJobCond{From: []models.PlatformJobStatus{models.PlatformJobProcessing}, JobID: job.ID},
		models.PlatformJobUpdate{
			Status:       models.PlatformJobFailed,
			ExecutedAt:   &now,
			ErrorMessage: &reason,
		})
	if err != nil {
		return infraError("fail platform job", err)
	}
	if err := e.finishJob(ctx, job, models.JobFailed); err != nil {
		return err
	}

	metrics.ObservePublish(job.Platform, "failed", start)
	log.Warn().Str("reason", reason).Msg("publish failed permanently")
	e.reconcile(ctx, log, job.PostID)
	return nil
}

// failureReason strips the classification wrapper so the stored message
// reads as the platform's own error.
func failureReason(err error) string {
	var pe *publisher.Error
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}

func (e *executor) finishJob(ctx context.Context, job *models.Job, status models.JobStatus) error {
	if _, err := e.jobs.Transition(ctx, job.ID, models.JobProcessing, status); err != nil {
		return infraError("finish job", err)
	}
	if status == models.JobCancelled {
		metrics.PublishAttempts.WithLabelValues(job.Platform, "cancelled").Inc()
	}
	return nil
}

func (e *executor) reconcile(ctx context.Context, log zerolog.Logger, postID int64) {
	if _, err := e.aggregator.Reconcile(ctx, postID); err != nil && !errors.Is(err, ErrPostNotFound) {
		log.Error().Err(err).Msg("reconcile post")
	}
}
