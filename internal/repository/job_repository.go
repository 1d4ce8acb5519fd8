package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `id, post_id, platform_job_id, platform, fire_at, attempt, max_attempts, backoff_base_ms, backoff_max_ms, status, claimed_at, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job           models.Job
		baseMs, maxMs int64
	)
	err := row.Scan(&job.ID, &job.PostID, &job.PlatformJobID, &job.Platform, &job.FireAt, &job.Attempt,
		&job.MaxAttempts, &baseMs, &maxMs, &job.Status, &job.ClaimedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Backoff = models.Backoff{Base: time.Duration(baseMs) * time.Millisecond, Max: time.Duration(maxMs) * time.Millisecond}
	return &job, nil
}

func (r *jobRepository) list(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepository) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, post_id, platform_job_id, platform, fire_at, attempt, max_attempts, backoff_base_ms, backoff_max_ms, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	status := job.Status
	if status == "" {
		status = models.JobPending
	}
	_, err := r.db.ExecContext(ctx, query, job.ID, job.PostID, job.PlatformJobID, job.Platform, job.FireAt,
		job.Attempt, job.MaxAttempts, job.Backoff.Base.Milliseconds(), job.Backoff.Max.Milliseconds(), status)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (r *jobRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE jobs SET status = $1, claimed_at = $2, updated_at = NOW() WHERE id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, models.JobProcessing, now, id, models.JobPending)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *jobRepository) Transition(ctx context.Context, id string, from, to models.JobStatus) (bool, error) {
	query := `UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *jobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 AND fire_at <= $2 ORDER BY fire_at, id LIMIT $3`
	jobs, err := r.list(ctx, query, models.JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY fire_at, id LIMIT $2`
	jobs, err := r.list(ctx, query, models.JobPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) ListActiveByPostID(ctx context.Context, postID int64) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE post_id = $1 AND status IN ($2, $3) ORDER BY fire_at, id`
	jobs, err := r.list(ctx, query, postID, models.JobPending, models.JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) RequeueStale(ctx context.Context, claimedBefore time.Time) ([]*models.Job, error) {
	query := `
		WITH requeued AS (
			UPDATE jobs SET status = $1, claimed_at = NULL, updated_at = NOW()
			WHERE status = $2 AND claimed_at < $3
			RETURNING ` + jobColumns + `
		), released AS (
			UPDATE platform_jobs pj SET status = $4, updated_at = NOW()
			FROM requeued
			WHERE pj.id = requeued.platform_job_id AND pj.job_id = requeued.id AND pj.status = $5
		)
		SELECT ` + jobColumns + ` FROM requeued`
	jobs, err := r.list(ctx, query, models.JobPending, models.JobProcessing, claimedBefore,
		models.PlatformJobScheduled, models.PlatformJobProcessing)
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) CountByStatus(ctx context.Context) (models.JobStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	stats := models.JobStats{}
	for rows.Next() {
		var (
			status models.JobStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
