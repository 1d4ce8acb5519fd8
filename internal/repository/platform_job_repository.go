package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

type platformJobRepository struct {
	db *sql.DB
}

func NewPlatformJobRepository(db *sql.DB) PlatformJobRepository {
	return &platformJobRepository{db: db}
}

const platformJobColumns = `id, post_id, platform, status, platform_post_id, error_message, job_id, fire_at, executed_at, attempts, created_at, updated_at`

func scanPlatformJob(row rowScanner) (*models.PlatformJob, error) {
	var (
		pj             models.PlatformJob
		platformPostID sql.NullString
		errorMessage   sql.NullString
		jobID          sql.NullString
	)
	err := row.Scan(&pj.ID, &pj.PostID, &pj.Platform, &pj.Status, &platformPostID, &errorMessage,
		&jobID, &pj.FireAt, &pj.ExecutedAt, &pj.Attempts, &pj.CreatedAt, &pj.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pj.PlatformPostID = platformPostID.String
	pj.ErrorMessage = errorMessage.String
	pj.JobID = jobID.String
	return &pj, nil
}

func collectPlatformJobs(rows *sql.Rows) ([]*models.PlatformJob, error) {
	defer rows.Close()

	var jobs []*models.PlatformJob
	for rows.Next() {
		pj, err := scanPlatformJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform job: %w", err)
		}
		jobs = append(jobs, pj)
	}
	return jobs, rows.Err()
}

func (r *platformJobRepository) Create(ctx context.Context, pj *models.PlatformJob) (int64, error) {
	query := `
		INSERT INTO platform_jobs (post_id, platform, status, job_id, fire_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id
	`
	status := pj.Status
	if status == "" {
		status = models.PlatformJobPending
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, query, pj.PostID, pj.Platform, status, pj.JobID, pj.FireAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert platform job: %w", err)
	}
	return id, nil
}

func (r *platformJobRepository) GetByID(ctx context.Context, id int64) (*models.PlatformJob, error) {
	pj, err := scanPlatformJob(r.db.QueryRowContext(ctx, `SELECT `+platformJobColumns+` FROM platform_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get platform job %d: %w", id, err)
	}
	return pj, nil
}

func (r *platformJobRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.PlatformJob, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+platformJobColumns+` FROM platform_jobs WHERE post_id = $1 ORDER BY id`, postID)
	if err != nil {
		return nil, fmt.Errorf("list platform jobs: %w", err)
	}
	return collectPlatformJobs(rows)
}

func (r *platformJobRepository) Latest(ctx context.Context, postID int64, platform string) (*models.PlatformJob, error) {
	query := `SELECT ` + platformJobColumns + ` FROM platform_jobs WHERE post_id = $1 AND platform = $2 ORDER BY id DESC LIMIT 1`

	pj, err := scanPlatformJob(r.db.QueryRowContext(ctx, query, postID, platform))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest platform job: %w", err)
	}
	return pj, nil
}

// Ensure runs under the post's row lock so concurrent callers agree on one
// non-terminal row per platform.
func (r *platformJobRepository) Ensure(ctx context.Context, postID int64, platform string) (*models.PlatformJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ensure platform job: %w", err)
	}
	defer tx.Rollback()

	var locked int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM posts WHERE id = $1 FOR UPDATE`, postID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock post %d: %w", postID, err)
	}

	query := `SELECT ` + platformJobColumns + ` FROM platform_jobs WHERE post_id = $1 AND platform = $2 ORDER BY id DESC LIMIT 1`
	pj, err := scanPlatformJob(tx.QueryRowContext(ctx, query, postID, platform))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest platform job: %w", err)
	}
	if pj != nil && !pj.Status.Terminal() {
		return pj, tx.Commit()
	}

	insert := `
		INSERT INTO platform_jobs (post_id, platform, status)
		VALUES ($1, $2, $3)
		RETURNING ` + platformJobColumns
	pj, err = scanPlatformJob(tx.QueryRowContext(ctx, insert, postID, platform, models.PlatformJobPending))
	if err != nil {
		return nil, fmt.Errorf("insert platform job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure platform job: %w", err)
	}
	return pj, nil
}

func (r *platformJobRepository) Transition(ctx context.Context, id int64, cond PlatformJobCond, upd models.PlatformJobUpdate) (bool, error) {
	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []any{upd.Status}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.JobID != nil {
		add("job_id", *upd.JobID)
	}
	if upd.FireAt != nil {
		add("fire_at", *upd.FireAt)
	}
	if upd.ExecutedAt != nil {
		add("executed_at", *upd.ExecutedAt)
	}
	if upd.Attempts != nil {
		add("attempts", *upd.Attempts)
	}
	if upd.PlatformPostID != nil {
		add("platform_post_id", *upd.PlatformPostID)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}

	from := make([]string, len(cond.From))
	for i, s := range cond.From {
		from[i] = string(s)
	}
	args = append(args, id, pq.StringArray(from))
	where := fmt.Sprintf("id = $%d AND status = ANY($%d)", len(args)-1, len(args))
	if cond.JobID != "" {
		args = append(args, cond.JobID)
		where += fmt.Sprintf(" AND job_id = $%d", len(args))
	} else if cond.Unbound {
		where += " AND COALESCE(job_id, '') = ''"
	}

	query := `UPDATE platform_jobs SET ` + strings.Join(sets, ", ") + ` WHERE ` + where
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition platform job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
