package models

import "time"

type PlatformJobStatus string

const (
	PlatformJobPending    PlatformJobStatus = "pending"
	PlatformJobScheduled  PlatformJobStatus = "scheduled"
	PlatformJobProcessing PlatformJobStatus = "processing"
	PlatformJobPublished  PlatformJobStatus = "published"
	PlatformJobFailed     PlatformJobStatus = "failed"
	PlatformJobCancelled  PlatformJobStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s PlatformJobStatus) Terminal() bool {
	switch s {
	case PlatformJobPublished, PlatformJobFailed, PlatformJobCancelled:
		return true
	}
	return false
}

// PlatformJob is the per-platform unit of publish work for one post.
type PlatformJob struct {
	ID             int64             `db:"id" json:"id"`
	PostID         int64             `db:"post_id" json:"post_id"`
	Platform       string            `db:"platform" json:"platform"`
	Status         PlatformJobStatus `db:"status" json:"status"`
	PlatformPostID string            `db:"platform_post_id" json:"platform_post_id,omitempty"`
	ErrorMessage   string            `db:"error_message" json:"error_message,omitempty"`
	JobID          string            `db:"job_id" json:"job_id,omitempty"`
	FireAt         *time.Time        `db:"fire_at" json:"fire_at,omitempty"`
	ExecutedAt     *time.Time        `db:"executed_at" json:"executed_at,omitempty"`
	Attempts       int               `db:"attempts" json:"attempts"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// PlatformJobUpdate carries the fields written together with a status transition.
// Nil pointers leave the stored value untouched.
type PlatformJobUpdate struct {
	Status         PlatformJobStatus
	JobID          *string
	FireAt         *time.Time
	ExecutedAt     *time.Time
	Attempts       *int
	PlatformPostID *string
	ErrorMessage   *string
}
