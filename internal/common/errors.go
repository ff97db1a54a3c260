// Package common defines shared constants and sentinel errors used across
// chanvault layers. Callers should use errors.Is / errors.As to match these
// values.
package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Remote connection errors.
	ErrSessionNotFound   = errors.New("session not found")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Transfer errors.
	ErrStaleReference      = errors.New("stale remote reference")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// RateLimitedError is returned when the remote platform asks the caller to
// back off. Wait is the duration the platform requires before a retry.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Wait)
}

// NewRateLimitedError builds a RateLimitedError.
func NewRateLimitedError(wait time.Duration) error {
	return &RateLimitedError{Wait: wait}
}

// AsRateLimited reports whether err carries a RateLimitedError and returns it.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
