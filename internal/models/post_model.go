package models

import "time"

// MaxContentLength bounds post content independently of platform limits.
const MaxContentLength = 5000

type PostStatus string

const (
	PostStatusDraft     PostStatus = "draft"
	PostStatusScheduled PostStatus = "scheduled"
	PostStatusPublished PostStatus = "published"
	PostStatusFailed    PostStatus = "failed"
)

type Engagement struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Views    int64 `json:"views"`
}

type Post struct {
	ID          int64      `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	Content     string     `db:"content" json:"content"`
	Platforms   []string   `db:"platforms" json:"platforms"`
	Status      PostStatus `db:"status" json:"status"`
	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
	MediaRefs   []string   `db:"media_refs" json:"media_refs"`
	Engagement  Engagement `db:"engagement" json:"engagement"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// HasPlatform reports whether platform is one of the post's targets.
func (p *Post) HasPlatform(platform string) bool {
	for _, id := range p.Platforms {
		if id == platform {
			return true
		}
	}
	return false
}
