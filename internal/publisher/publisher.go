// Package publisher defines the per-platform publish capability and the
// registry the executor resolves platforms through.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/maheshrc27/postflow/internal/media"
	"github.com/maheshrc27/postflow/internal/models"
)

type Media struct {
	Key  string
	Kind media.Kind
}

type Request struct {
	PostID   int64
	Platform string
	Content  string
	Media    []Media
	// Connection carries unsealed tokens.
	Connection *models.PlatformConnection
	Attempt    int
}

type Result struct {
	PlatformPostID string
}

type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, req Request) (Result, error)

func (f PublisherFunc) Publish(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Error classifies a publish failure. Transient failures may be retried.
type Error struct {
	Platform  string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s publish failed (%s): %v", e.Platform, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(platform string, err error) *Error {
	return &Error{Platform: platform, Transient: true, Err: err}
}

func Permanent(platform string, err error) *Error {
	return &Error{Platform: platform, Transient: false, Err: err}
}

// IsTransient reports whether err may succeed on retry. Unclassified errors
// and deadline expiry count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return !errors.Is(err, context.Canceled)
}
