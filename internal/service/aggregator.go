package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/notify"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog"
)

type Aggregator interface {
	// Reconcile recomputes the post's status from its platform jobs. It is
	// idempotent and writes only when the status changes.
	Reconcile(ctx context.Context, postID int64) (*models.Post, error)
}

type aggregator struct {
	posts    repository.PostRepository
	audit    repository.AuditRepository
	notifier notify.Notifier
	clock    clock.Clock
	log      zerolog.Logger
}

func NewAggregator(
	posts repository.PostRepository,
	audit repository.AuditRepository,
	notifier notify.Notifier,
	c clock.Clock,
	log zerolog.Logger) Aggregator {
	return &aggregator{
		posts:    posts,
		audit:    audit,
		notifier: notifier,
		clock:    c,
		log:      log,
	}
}

func (a *aggregator) Reconcile(ctx context.Context, postID int64) (*models.Post, error) {
	now := a.clock.Now()
	res, err := a.posts.Reconcile(ctx, postID, func(post *models.Post, jobs []*models.PlatformJob) (models.PostStatus, *time.Time) {
		return deriveStatus(post, latestByPlatform(post, jobs), now)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, infraError("reconcile post", err)
	}
	if !res.Changed {
		return res.Post, nil
	}

	post := res.Post
	metrics.PostTransitions.WithLabelValues(string(post.Status)).Inc()
	a.log.Info().
		Int64("post_id", post.ID).
		Str("from", string(res.Previous)).
		Str("to", string(post.Status)).
		Msg("post status changed")

	switch post.Status {
	case models.PostStatusPublished:
		a.announce(ctx, post, res.Previous, notify.EventPostPublished, "post published")
	case models.PostStatusFailed:
		a.announce(ctx, post, res.Previous, notify.EventPostFailed, "post failed on one or more platforms")
	}
	return post, nil
}

// announce records the outcome. Failures here never undo the transition.
func (a *aggregator) announce(ctx context.Context, post *models.Post, previous models.PostStatus, event, message string) {
	entry := &models.AuditLog{
		UserID:       post.UserID,
		Action:       event,
		ResourceType: "post",
		ResourceID:   strconv.FormatInt(post.ID, 10),
		Details: map[string]any{
			"from":      string(previous),
			"to":        string(post.Status),
			"platforms": post.Platforms,
		},
	}
	if err := a.audit.Create(ctx, entry); err != nil {
		a.log.Error().Err(err).Int64("post_id", post.ID).Msg("write audit log")
	}

	if a.notifier == nil {
		return
	}
	ev := notify.NewEvent(event, post.UserID, post.ID, message, a.clock.Now())
	ev.Data = map[string]any{"platforms": post.Platforms}
	if err := a.notifier.Notify(ctx, ev); err != nil {
		a.log.Error().Err(err).Int64("post_id", post.ID).Msg("send notification")
	}
}

// latestByPlatform picks the newest row for each target platform. A platform
// with no row yet maps to nil.
func latestByPlatform(post *models.Post, jobs []*models.PlatformJob) map[string]*models.PlatformJob {
	latest := make(map[string]*models.PlatformJob, len(post.Platforms))
	for _, p := range post.Platforms {
		latest[p] = nil
	}
	for _, pj := range jobs {
		cur, ok := latest[pj.Platform]
		if !ok {
			continue
		}
		if cur == nil || pj.ID > cur.ID {
			latest[pj.Platform] = pj
		}
	}
	return latest
}

func deriveStatus(post *models.Post, latest map[string]*models.PlatformJob, now time.Time) (models.PostStatus, *time.Time) {
	waiting := models.PostStatusDraft
	if post.ScheduledAt != nil {
		waiting = models.PostStatusScheduled
	}
	publishedAt := post.PublishedAt
	if publishedAt == nil {
		publishedAt = &now
	}

	if len(latest) == 0 {
		if post.ScheduledAt != nil {
			return models.PostStatusPublished, publishedAt
		}
		return models.PostStatusDraft, post.PublishedAt
	}

	var failed, published bool
	for _, pj := range latest {
		if pj == nil || !pj.Status.Terminal() {
			return waiting, post.PublishedAt
		}
		switch pj.Status {
		case models.PlatformJobFailed:
			failed = true
		case models.PlatformJobPublished:
			published = true
		}
	}

	switch {
	case failed:
		return models.PostStatusFailed, post.PublishedAt
	case published:
		return models.PostStatusPublished, publishedAt
	default:
		return models.PostStatusDraft, post.PublishedAt
	}
}
