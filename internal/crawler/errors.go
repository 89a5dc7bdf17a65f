package crawler

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimitExceeded matches any *RateLimitExceededError via errors.Is.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrMissingPageToken reports a page that claims more results without a cursor.
var ErrMissingPageToken = errors.New("listing reported has_more without a page_token")

// RateLimitExceededError aborts a crawl after rate-limit retries ran out.
type RateLimitExceededError struct {
	SpaceID string
	// RetryAfter is the suggested wait before retrying the crawl.
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded crawling space %s (retry after %s): %v", e.SpaceID, e.RetryAfter, e.Err)
}

// Unwrap exposes the exhausted retry error.
func (e *RateLimitExceededError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRateLimitExceeded) match.
func (e *RateLimitExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }

// NewRateLimitExceeded wraps an exhausted rate-limit error. RetryAfter is the
// larger of the remote hint found in err and fallback.
func NewRateLimitExceeded(spaceID string, err error, fallback time.Duration) *RateLimitExceededError {
	return &RateLimitExceededError{
		SpaceID:    spaceID,
		RetryAfter: retryAfterFrom(err, fallback),
		Err:        err,
	}
}

// FetchError reports a crawl whose root listing could not be fetched.
type FetchError struct {
	SpaceID     string
	ParentToken string
	Err         error
}

func (e *FetchError) Error() string {
	if e.ParentToken == "" {
		return fmt.Sprintf("fetch wiki nodes of space %s: %v", e.SpaceID, e.Err)
	}
	return fmt.Sprintf("fetch wiki nodes of space %s under %s: %v", e.SpaceID, e.ParentToken, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *FetchError) Unwrap() error { return e.Err }

type retryAfterer interface {
	RetryAfterHint() time.Duration
}

// RetryAfter reports the suggested wait for a rate-limited crawl. The second
// return value is false when err is not a rate-limit failure.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitExceededError
	if !errors.As(err, &rl) {
		return 0, false
	}
	return rl.RetryAfter, true
}

// retryAfterFrom returns the largest remote hint found in err, or fallback.
func retryAfterFrom(err error, fallback time.Duration) time.Duration {
	var hinted retryAfterer
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfterHint(); d > fallback {
			return d
		}
	}
	return fallback
}
