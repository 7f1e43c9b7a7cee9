package roomsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransientNetwork wraps transport failures that may succeed on a
	// later attempt.
	ErrTransientNetwork = errors.New("roomsync: transient network error")

	// ErrRateLimited matches any *RateLimitError.
	ErrRateLimited = errors.New("roomsync: rate limited")

	ErrEmptyMessage   = errors.New("roomsync: empty message")
	ErrUnknownMessage = errors.New("roomsync: unknown message")
	ErrDisposed       = errors.New("roomsync: session disposed")
)

// RateLimitError reports that sending is disabled for RetryAfter.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("roomsync: rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
