package models

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	// JobRetried marks a job whose attempt failed transiently and armed a successor.
	JobRetried   JobStatus = "retried"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobRetried, JobCancelled:
		return true
	}
	return false
}

// Backoff is exponential: Base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay returns the wait before the attempt following attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 || b.Base > (1<<62)>>uint(attempt) {
		if b.Max > 0 {
			return b.Max
		}
		return b.Base
	}
	delay := b.Base << uint(attempt)
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Job is the scheduling-layer record: run the publish attempt for a platform job at FireAt.
type Job struct {
	ID            string     `db:"id" json:"id"`
	PostID        int64      `db:"post_id" json:"post_id"`
	PlatformJobID int64      `db:"platform_job_id" json:"platform_job_id"`
	Platform      string     `db:"platform" json:"platform"`
	FireAt        time.Time  `db:"fire_at" json:"fire_at"`
	Attempt       int        `db:"attempt" json:"attempt"`
	MaxAttempts   int        `db:"max_attempts" json:"max_attempts"`
	Backoff       Backoff    `db:"backoff" json:"backoff"`
	Status        JobStatus  `db:"status" json:"status"`
	ClaimedAt     *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// HasAttemptsLeft reports whether a failure of this job may be retried.
func (j *Job) HasAttemptsLeft() bool {
	return j.Attempt+1 < j.MaxAttempts
}

type JobStats map[JobStatus]int64
