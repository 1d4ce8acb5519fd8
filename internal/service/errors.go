package service

import (
	"errors"
	"fmt"
)

var (
	ErrPostNotFound        = errors.New("post not found")
	ErrPlatformNotTargeted = errors.New("platform is not a target of the post")
	ErrPlatformJobInFlight = errors.New("platform job is being published")
	ErrContentTooLong      = errors.New("content too long")
	// ErrInfrastructure wraps store and dispatcher failures. Callers may retry.
	ErrInfrastructure = errors.New("infrastructure failure")
)

func infraError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}
