package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

var ErrNotFound = errors.New("resource not found")

// ReconcileFunc derives a post's aggregate status from the post and all of its
// platform jobs as read inside the post's lock scope.
type ReconcileFunc func(post *models.Post, jobs []*models.PlatformJob) (models.PostStatus, *time.Time)

type ReconcileResult struct {
	Post     *models.Post
	Previous models.PostStatus
	Changed  bool
}

type PostRepository interface {
	Create(ctx context.Context, post *models.Post) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	UpdateSchedule(ctx context.Context, id int64, scheduledAt *time.Time, platforms []string) error
	// Remove deletes the post and, by cascade, its platform jobs.
	Remove(ctx context.Context, id int64) error
	Reconcile(ctx context.Context, id int64, fn ReconcileFunc) (*ReconcileResult, error)
}

// PlatformJobCond guards a platform job transition. An empty JobID matches any
// job ref unless Unbound is set, which requires the row to hold none.
type PlatformJobCond struct {
	From    []models.PlatformJobStatus
	JobID   string
	Unbound bool
}

type PlatformJobRepository interface {
	Create(ctx context.Context, pj *models.PlatformJob) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.PlatformJob, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.PlatformJob, error)
	// Latest returns the newest platform job row for the post and platform.
	Latest(ctx context.Context, postID int64, platform string) (*models.PlatformJob, error)
	// Ensure returns the latest row for the post and platform when it is not
	// terminal, or atomically creates a pending one. Unknown post is ErrNotFound.
	Ensure(ctx context.Context, postID int64, platform string) (*models.PlatformJob, error)
	// Transition applies upd only when the row matches cond. It reports whether a row changed.
	Transition(ctx context.Context, id int64, cond PlatformJobCond, upd models.PlatformJobUpdate) (bool, error)
}

type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	// Claim moves a pending job to processing. Exactly one concurrent caller wins.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Transition(ctx context.Context, id string, from, to models.JobStatus) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ListPending(ctx context.Context, limit int) ([]*models.Job, error)
	ListActiveByPostID(ctx context.Context, postID int64) ([]*models.Job, error)
	// RequeueStale returns jobs claimed before the cutoff to pending and moves
	// the platform jobs they own from processing back to scheduled.
	RequeueStale(ctx context.Context, claimedBefore time.Time) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (models.JobStats, error)
}

type ConnectionRepository interface {
	Create(ctx context.Context, c *models.PlatformConnection) (int64, error)
	GetByUserAndPlatform(ctx context.Context, userID int64, platform string) (*models.PlatformConnection, error)
	ListActive(ctx context.Context) ([]*models.PlatformConnection, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*models.PlatformConnection, error)
	SetTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt *time.Time) error
	Deactivate(ctx context.Context, id int64) error
}

type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	ListByResource(ctx context.Context, resourceType, resourceID string) ([]*models.AuditLog, error)
}

type AnalyticsRepository interface {
	Create(ctx context.Context, snap *models.AnalyticsSnapshot) error
	LatestByConnection(ctx context.Context, connectionID int64) (*models.AnalyticsSnapshot, error)
}

// Repositories groups the stores a process needs.
type Repositories struct {
	Posts        PostRepository
	PlatformJobs PlatformJobRepository
	Jobs         JobRepository
	Connections  ConnectionRepository
	Audit        AuditRepository
	Analytics    AnalyticsRepository
}

func NewPostgres(db *sql.DB) *Repositories {
	return &Repositories{
		Posts:        NewPostRepository(db),
		PlatformJobs: NewPlatformJobRepository(db),
		Jobs:         NewJobRepository(db),
		Connections:  NewConnectionRepository(db),
		Audit:        NewAuditRepository(db),
		Analytics:    NewAnalyticsRepository(db),
	}
}
