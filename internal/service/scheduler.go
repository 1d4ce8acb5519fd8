package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

type Scheduler interface {
	// Schedule arms one publish attempt for the platform at fireAt. A fire
	// time in the past means now. Returns the new job id.
	Schedule(ctx context.Context, postID int64, platform string, fireAt time.Time) (string, error)
	// Cancel is a no-op for unknown, finished or already claimed jobs.
	Cancel(ctx context.Context, jobID string) error
	RescheduleAll(ctx context.Context, postID int64, fireAt time.Time, platforms []string) error

	SchedulePost(ctx context.Context, postID int64) ([]string, error)
	DeletePost(ctx context.Context, postID int64) ([]*models.PlatformJob, error)
	RetryFailed(ctx context.Context, postID int64, fireAt time.Time) ([]string, error)
	PostStatus(ctx context.Context, postID int64) (*PostStatusView, error)
}

type PlatformStatus struct {
	Platform       string                   `json:"platform"`
	Status         models.PlatformJobStatus `json:"status"`
	PlatformPostID string                   `json:"platform_post_id,omitempty"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	Attempts       int                      `json:"attempts"`
	FireAt         *time.Time               `json:"fire_at,omitempty"`
	ExecutedAt     *time.Time               `json:"executed_at,omitempty"`
}

type PostStatusView struct {
	Post      *models.Post     `json:"post"`
	Platforms []PlatformStatus `json:"platforms"`
}

// JobPolicy is applied to every job the scheduler creates.
type JobPolicy struct {
	MaxAttempts int
	Backoff     models.Backoff
}

type scheduler struct {
	posts        repository.PostRepository
	platformJobs repository.PlatformJobRepository
	jobs         repository.JobRepository
	dispatcher   queue.Dispatcher
	aggregator   Aggregator
	registry     *publisher.Registry
	clock        clock.Clock
	policy       JobPolicy
	log          zerolog.Logger
}

func NewScheduler(
	repos *repository.Repositories,
	dispatcher queue.Dispatcher,
	aggregator Aggregator,
	registry *publisher.Registry,
	c clock.Clock,
	policy JobPolicy,
	log zerolog.Logger) Scheduler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	return &scheduler{
		posts:        repos.Posts,
		platformJobs: repos.PlatformJobs,
		jobs:         repos.Jobs,
		dispatcher:   dispatcher,
		aggregator:   aggregator,
		registry:     registry,
		clock:        c,
		policy:       policy,
		log:          log,
	}
}

func (s *scheduler) getPost(ctx context.Context, postID int64) (*models.Post, error) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, infraError("get post", err)
	}
	return post, nil
}

func (s *scheduler) checkContent(post *models.Post, platform string) error {
	if n := utf8.RuneCountInString(post.Content); n > models.MaxContentLength {
		return fmt.Errorf("%w: %d > %d", ErrContentTooLong, n, models.MaxContentLength)
	}
	if s.registry == nil {
		return nil
	}
	caps, ok := s.registry.Capabilities(platform)
	if ok && caps.CharacterLimit > 0 && utf8.RuneCountInString(post.Content) > caps.CharacterLimit {
		return fmt.Errorf("%w: %s allows %d characters", ErrContentTooLong, platform, caps.CharacterLimit)
	}
	return nil
}

func (s *scheduler) Schedule(ctx context.Context, postID int64, platform string, fireAt time.Time) (string, error) {
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return "", err
	}
	jobID, err := s.schedule(ctx, post, platform, fireAt)
	if err != nil {
		return "", err
	}
	s.reconcile(ctx, postID)
	return jobID, nil
}

func (s *scheduler) schedule(ctx context.Context, post *models.Post, platform string, fireAt time.Time) (string, error) {
	if !post.HasPlatform(platform) {
		return "", fmt.Errorf("%w: %s", ErrPlatformNotTargeted, platform)
	}
	if err := s.checkContent(post, platform); err != nil {
		return "", err
	}
	if now := s.clock.Now(); fireAt.Before(now) {
		fireAt = now
	}

	pj, err := s.ensurePlatformJob(ctx, post, platform)
	if err != nil {
		return "", err
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := &models.Job{
		ID:            id,
		PostID:        post.ID,
		PlatformJobID: pj.ID,
		Platform:      platform,
		FireAt:        fireAt,
		Attempt:       0,
		MaxAttempts:   s.policy.MaxAttempts,
		Backoff:       s.policy.Backoff,
		Status:        models.JobPending,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", infraError("create job", err)
	}

	zero, empty := 0, ""
	ok, err := s.platformJobs.Transition(ctx, pj.ID,
		repository.PlatformJobCond{
			From:    []models.PlatformJobStatus{models.PlatformJobPending, models.PlatformJobScheduled},
			JobID:   pj.JobID,
			Unbound: pj.JobID == "",
		},
		models.PlatformJobUpdate{
			Status:       models.PlatformJobScheduled,
			JobID:        &job.ID,
			FireAt:       &fireAt,
			Attempts:     &zero,
			ErrorMessage: &empty,
		})
	if err != nil {
		return "", infraError("schedule platform job", err)
	}
	if !ok {
		// an executor took the row between our read and write
		if _, err := s.jobs.Transition(ctx, job.ID, models.JobPending, models.JobCancelled); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("cancel orphaned job")
		}
		return "", ErrPlatformJobInFlight
	}

	if err := s.dispatcher.Arm(ctx, job); err != nil {
		return "", infraError("arm job", err)
	}

	metrics.JobsScheduled.WithLabelValues(platform).Inc()
	s.log.Info().
		Str("job_id", job.ID).
		Int64("post_id", post.ID).
		Str("platform", platform).
		Time("fire_at", fireAt).
		Msg("job scheduled")
	return job.ID, nil
}

// ensurePlatformJob returns a non-terminal row ready to take a new job,
// disarming whatever job it held before.
func (s *scheduler) ensurePlatformJob(ctx context.Context, post *models.Post, platform string) (*models.PlatformJob, error) {
	pj, err := s.platformJobs.Ensure(ctx, post.ID, platform)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, infraError("ensure platform job", err)
	}

	if pj.Status == models.PlatformJobProcessing {
		return nil, ErrPlatformJobInFlight
	}
	if pj.JobID != "" {
		released, err := s.releaseJob(ctx, pj.JobID)
		if err != nil {
			return nil, err
		}
		if !released {
			return nil, ErrPlatformJobInFlight
		}
	}
	return pj, nil
}

// releaseJob cancels a pending job and disarms it. It reports false when the
// job is already being executed.
func (s *scheduler) releaseJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.jobs.Transition(ctx, jobID, models.JobPending, models.JobCancelled)
	if err != nil {
		return false, infraError("cancel job", err)
	}
	if !ok {
		job, err := s.jobs.GetByID(ctx, jobID)
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, infraError("get job", err)
		}
		return job.Status != models.JobProcessing, nil
	}

	metrics.JobsCancelled.Inc()
	if err := s.dispatcher.Disarm(ctx, jobID); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("disarm job")
	}
	return true, nil
}

func (s *scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return infraError("get job", err)
	}
	if job.Status != models.JobPending {
		return nil
	}

	ok, err := s.jobs.Transition(ctx, jobID, models.JobPending, models.JobCancelled)
	if err != nil {
		return infraError("cancel job", err)
	}
	if !ok {
		s.log.Debug().Str("job_id", jobID).Msg("cancel lost to claim")
		return nil
	}
	metrics.JobsCancelled.Inc()

	if err := s.dispatcher.Disarm(ctx, jobID); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("disarm job")
	}

	// the job was never claimed after our CAS, so a processing row holding it is stale
	_, err = s.platformJobs.Transition(ctx, job.PlatformJobID,
		repository.PlatformJobCond{
			From:  []models.PlatformJobStatus{models.PlatformJobPending, models.PlatformJobScheduled, models.PlatformJobProcessing},
			JobID: jobID,
		},
		models.PlatformJobUpdate{Status: models.PlatformJobCancelled})
	if err != nil {
		return infraError("cancel platform job", err)
	}

	s.log.Info().Str("job_id", jobID).Int64("post_id", job.PostID).Msg("job cancelled")
	s.reconcile(ctx, job.PostID)
	return nil
}

func (s *scheduler) RescheduleAll(ctx context.Context, postID int64, fireAt time.Time, platforms []string) error {
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return err
	}
	if now := s.clock.Now(); fireAt.Before(now) {
		fireAt = now
	}

	keep := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		keep[p] = true
	}
	for _, p := range platforms {
		if err := s.checkContent(post, p); err != nil {
			return err
		}
	}

	if err := s.posts.UpdateSchedule(ctx, postID, &fireAt, platforms); err != nil {
		return infraError("update schedule", err)
	}

	active, err := s.jobs.ListActiveByPostID(ctx, postID)
	if err != nil {
		return infraError("list active jobs", err)
	}
	for _, job := range active {
		if job.Status != models.JobPending {
			continue
		}
		if _, err := s.releaseJob(ctx, job.ID); err != nil {
			return err
		}
	}

	for _, p := range post.Platforms {
		if keep[p] {
			continue
		}
		if _, err := s.cancelPlatform(ctx, postID, p); err != nil {
			return err
		}
	}

	post.ScheduledAt = &fireAt
	post.Platforms = platforms

	var errs []error
	for _, p := range platforms {
		_, err := s.schedule(ctx, post, p, fireAt)
		switch {
		case err == nil:
		case errors.Is(err, ErrPlatformJobInFlight):
			s.log.Info().Int64("post_id", postID).Str("platform", p).Msg("platform in flight, keeping old schedule")
		default:
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}

	s.reconcile(ctx, postID)
	return errors.Join(errs...)
}

// cancelPlatform moves the platform's latest row to cancelled unless it is in
// flight or finished. Returns the row when it was changed.
func (s *scheduler) cancelPlatform(ctx context.Context, postID int64, platform string) (*models.PlatformJob, error) {
	pj, err := s.platformJobs.Latest(ctx, postID, platform)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, infraError("latest platform job", err)
	}
	if pj.Status.Terminal() || pj.Status == models.PlatformJobProcessing {
		return nil, nil
	}
	if pj.JobID != "" {
		released, err := s.releaseJob(ctx, pj.JobID)
		if err != nil {
			return nil, err
		}
		if !released {
			return nil, nil
		}
	}
	ok, err := s.platformJobs.Transition(ctx, pj.ID,
		repository.PlatformJobCond{
			From:  []models.PlatformJobStatus{models.PlatformJobPending, models.PlatformJobScheduled},
			JobID: pj.JobID,
		},
		models.PlatformJobUpdate{Status: models.PlatformJobCancelled})
	if err != nil {
		return nil, infraError("cancel platform job", err)
	}
	if !ok {
		return nil, nil
	}
	pj.Status = models.PlatformJobCancelled
	return pj, nil
}

func (s *scheduler) SchedulePost(ctx context.Context, postID int64) ([]string, error) {
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	fireAt := s.clock.Now()
	if post.ScheduledAt != nil && post.ScheduledAt.After(fireAt) {
		fireAt = *post.ScheduledAt
	}
	if post.ScheduledAt == nil {
		if err := s.posts.UpdateSchedule(ctx, postID, &fireAt, post.Platforms); err != nil {
			return nil, infraError("update schedule", err)
		}
		post.ScheduledAt = &fireAt
	}
	return s.scheduleEach(ctx, post, post.Platforms, fireAt)
}

func (s *scheduler) scheduleEach(ctx context.Context, post *models.Post, platforms []string, fireAt time.Time) ([]string, error) {
	var (
		ids  []string
		errs []error
	)
	for _, p := range platforms {
		id, err := s.schedule(ctx, post, p, fireAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		ids = append(ids, id)
	}
	s.reconcile(ctx, post.ID)
	return ids, errors.Join(errs...)
}

func (s *scheduler) DeletePost(ctx context.Context, postID int64) ([]*models.PlatformJob, error) {
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	var cancelled []*models.PlatformJob
	for _, p := range post.Platforms {
		pj, err := s.cancelPlatform(ctx, postID, p)
		if err != nil {
			return nil, err
		}
		if pj != nil {
			cancelled = append(cancelled, pj)
		}
	}

	active, err := s.jobs.ListActiveByPostID(ctx, postID)
	if err != nil {
		return nil, infraError("list active jobs", err)
	}
	for _, job := range active {
		if job.Status == models.JobPending {
			if _, err := s.releaseJob(ctx, job.ID); err != nil {
				return nil, err
			}
		}
	}

	if err := s.posts.Remove(ctx, postID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, infraError("remove post", err)
	}
	s.log.Info().Int64("post_id", postID).Int("cancelled", len(cancelled)).Msg("post deleted")
	return cancelled, nil
}

func (s *scheduler) RetryFailed(ctx context.Context, postID int64, fireAt time.Time) ([]string, error) {
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, p := range post.Platforms {
		pj, err := s.platformJobs.Latest(ctx, postID, p)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, infraError("latest platform job", err)
		}
		if pj.Status == models.PlatformJobFailed {
			failed = append(failed, p)
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}

	if now := s.clock.Now(); fireAt.Before(now) {
		fireAt = now
	}
	if err := s.posts.UpdateSchedule(ctx, postID, &fireAt, post.Platforms); err != nil {
		return nil, infraError("update schedule", err)
	}
	post.ScheduledAt = &fireAt
	return s.scheduleEach(ctx, post, failed, fireAt)
}

func (s *scheduler) PostStatus(ctx context.Context, postID int64) (*PostStatusView, error) {
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	rows, err := s.platformJobs.ListByPostID(ctx, postID)
	if err != nil {
		return nil, infraError("list platform jobs", err)
	}
	latest := latestByPlatform(post, rows)

	view := &PostStatusView{Post: post, Platforms: make([]PlatformStatus, 0, len(post.Platforms))}
	for _, p := range post.Platforms {
		pj := latest[p]
		if pj == nil {
			view.Platforms = append(view.Platforms, PlatformStatus{Platform: p, Status: models.PlatformJobPending})
			continue
		}
		view.Platforms = append(view.Platforms, PlatformStatus{
			Platform:       p,
			Status:         pj.Status,
			PlatformPostID: pj.PlatformPostID,
			ErrorMessage:   pj.ErrorMessage,
			Attempts:       pj.Attempts,
			FireAt:         pj.FireAt,
			ExecutedAt:     pj.ExecutedAt,
		})
	}
	return view, nil
}

func (s *scheduler) reconcile(ctx context.Context, postID int64) {
	if _, err := s.aggregator.Reconcile(ctx, postID); err != nil && !errors.Is(err, ErrPostNotFound) {
		s.log.Error().Err(err).Int64("post_id", postID).Msg("reconcile post")
	}
}
