package models

import "time"

type AuditLog struct {
	ID           int64          `db:"id" json:"id"`
	UserID       int64          `db:"user_id" json:"user_id"`
	Action       string         `db:"action" json:"action"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	ResourceID   string         `db:"resource_id" json:"resource_id"`
	Details      map[string]any `db:"details" json:"details"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

type AnalyticsSnapshot struct {
	ID           int64     `db:"id" json:"id"`
	ConnectionID int64     `db:"connection_id" json:"connection_id"`
	Platform     string    `db:"platform" json:"platform"`
	Followers    int64     `db:"followers" json:"followers"`
	Posts        int64     `db:"posts" json:"posts"`
	Engagement   float64   `db:"engagement" json:"engagement"`
	Reach        int64     `db:"reach" json:"reach"`
	CapturedAt   time.Time `db:"captured_at" json:"captured_at"`
}
