package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type connectionRepository struct {
	db *sql.DB
}

func NewConnectionRepository(db *sql.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `id, user_id, platform, platform_user_id, access_token, refresh_token, expires_at, is_active, created_at, updated_at`

func scanConnection(row rowScanner) (*models.PlatformConnection, error) {
	var c models.PlatformConnection
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.PlatformUserID, &c.AccessToken, &c.RefreshToken,
		&c.ExpiresAt, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *connectionRepository) list(ctx context.Context, query string, args ...any) ([]*models.PlatformConnection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.PlatformConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (r *connectionRepository) Create(ctx context.Context, c *models.PlatformConnection) (int64, error) {
	query := `
		INSERT INTO platform_connections (user_id, platform, platform_user_id, access_token, refresh_token, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	var id int64
	err := r.db.QueryRowContext(ctx, query, c.UserID, c.Platform, c.PlatformUserID, c.AccessToken,
		c.RefreshToken, c.ExpiresAt, c.IsActive).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert connection: %w", err)
	}
	return id, nil
}

func (r *connectionRepository) GetByUserAndPlatform(ctx context.Context, userID int64, platform string) (*models.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE user_id = $1 AND platform = $2 ORDER BY is_active DESC, id DESC LIMIT 1`

	c, err := scanConnection(r.db.QueryRowContext(ctx, query, userID, platform))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

func (r *connectionRepository) ListActive(ctx context.Context) ([]*models.PlatformConnection, error) {
	conns, err := r.list(ctx, `SELECT `+connectionColumns+` FROM platform_connections WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	return conns, nil
}

func (r *connectionRepository) ListExpiring(ctx context.Context, before time.Time) ([]*models.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1 ORDER BY expires_at`
	conns, err := r.list(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring connections: %w", err)
	}
	return conns, nil
}

func (r *connectionRepository) SetTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt *time.Time) error {
	query := `
		UPDATE platform_connections
		SET access_token = $1,
			refresh_token = $2,
			expires_at = $3,
			updated_at = NOW()
		WHERE id = $4
	`
	res, err := r.db.ExecContext(ctx, query, accessToken, refreshToken, expiresAt, id)
	if err != nil {
		return fmt.Errorf("set connection %d tokens: %w", id, err)
	}
	return expectRow(res)
}

func (r *connectionRepository) Deactivate(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE platform_connections SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate connection %d: %w", id, err)
	}
	return expectRow(res)
}
