package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
)

type auditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	query := `
		INSERT INTO audit_logs (user_id, action, resource_type, resource_id, details)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID, details); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *auditRepository) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*models.AuditLog, error) {
	query := `
		SELECT id, user_id, action, resource_type, resource_id, details, created_at
		FROM audit_logs WHERE resource_type = $1 AND resource_id = $2 ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		var (
			entry   models.AuditLog
			details []byte
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.ResourceType, &entry.ResourceID, &details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

type analyticsRepository struct {
	db *sql.DB
}

func NewAnalyticsRepository(db *sql.DB) AnalyticsRepository {
	return &analyticsRepository{db: db}
}

func (r *analyticsRepository) Create(ctx context.Context, snap *models.AnalyticsSnapshot) error {
	query := `
		INSERT INTO analytics_snapshots (connection_id, platform, followers, posts, engagement, reach, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query, snap.ConnectionID, snap.Platform, snap.Followers, snap.Posts,
		snap.Engagement, snap.Reach, snap.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert analytics snapshot: %w", err)
	}
	return nil
}

func (r *analyticsRepository) LatestByConnection(ctx context.Context, connectionID int64) (*models.AnalyticsSnapshot, error) {
	query := `
		SELECT id, connection_id, platform, followers, posts, engagement, reach, captured_at
		FROM analytics_snapshots WHERE connection_id = $1 ORDER BY captured_at DESC, id DESC LIMIT 1
	`
	var s models.AnalyticsSnapshot
	err := r.db.QueryRowContext(ctx, query, connectionID).Scan(&s.ID, &s.ConnectionID, &s.Platform,
		&s.Followers, &s.Posts, &s.Engagement, &s.Reach, &s.CapturedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest analytics snapshot: %w", err)
	}
	return &s, nil
}
