// Package notify announces post outcomes to downstream consumers.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventPostPublished = "post.published"
	EventPostFailed    = "post.failed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     int64          `json:"user_id"`
	PostID     int64          `json:"post_id"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEvent stamps a fresh id.
func NewEvent(typ string, userID, postID int64, message string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		PostID:     postID,
		Message:    message,
		OccurredAt: at,
	}
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the log. Used when no broker is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Log.Info().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Int64("user_id", ev.UserID).
		Int64("post_id", ev.PostID).
		Msg(ev.Message)
	return nil
}
