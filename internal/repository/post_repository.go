package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

type postRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, user_id, content, platforms, status, scheduled_at, published_at, media_refs, engagement, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		post       models.Post
		platforms  pq.StringArray
		mediaRefs  pq.StringArray
		engagement []byte
	)
	err := row.Scan(&post.ID, &post.UserID, &post.Content, &platforms, &post.Status,
		&post.ScheduledAt, &post.PublishedAt, &mediaRefs, &engagement, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, err
	}
	post.Platforms = []string(platforms)
	post.MediaRefs = []string(mediaRefs)
	if len(engagement) > 0 {
		if err := json.Unmarshal(engagement, &post.Engagement); err != nil {
			return nil, fmt.Errorf("decode engagement: %w", err)
		}
	}
	return &post, nil
}

func (r *postRepository) Create(ctx context.Context, post *models.Post) (int64, error) {
	query := `
		INSERT INTO posts (user_id, content, platforms, status, scheduled_at, media_refs)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	status := post.Status
	if status == "" {
		status = models.PostStatusDraft
	}

	var id int64
	err := r.db.QueryRowContext(ctx, query, post.UserID, post.Content, pq.StringArray(post.Platforms),
		status, post.ScheduledAt, pq.StringArray(post.MediaRefs)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	return id, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get post %d: %w", id, err)
	}
	return post, nil
}

func (r *postRepository) UpdateSchedule(ctx context.Context, id int64, scheduledAt *time.Time, platforms []string) error {
	query := `
		UPDATE posts
		SET scheduled_at = $1,
			platforms = $2,
			updated_at = NOW()
		WHERE id = $3
	`
	res, err := r.db.ExecContext(ctx, query, scheduledAt, pq.StringArray(platforms), id)
	if err != nil {
		return fmt.Errorf("update post %d schedule: %w", id, err)
	}
	return expectRow(res)
}

func (r *postRepository) Remove(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete post %d: %w", id, err)
	}
	return expectRow(res)
}

// Reconcile runs fn while holding the post row lock so concurrent terminal
// transitions serialize their view of the platform jobs.
func (r *postRepository) Reconcile(ctx context.Context, id int64, fn ReconcileFunc) (*ReconcileResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	post, err := scanPost(tx.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock post %d: %w", id, err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+platformJobColumns+` FROM platform_jobs WHERE post_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list platform jobs: %w", err)
	}
	jobs, err := collectPlatformJobs(rows)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Post: post, Previous: post.Status}
	status, publishedAt := fn(post, jobs)
	if status == post.Status && sameTime(publishedAt, post.PublishedAt) {
		return result, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `UPDATE posts SET status = $1, published_at = $2, updated_at = NOW() WHERE id = $3`,
		status, publishedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update post %d status: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reconcile: %w", err)
	}

	post.Status = status
	post.PublishedAt = publishedAt
	result.Changed = true
	return result, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
