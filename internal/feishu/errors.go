package feishu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
)

// CodeRateLimited is the open platform error code for request frequency limits.
const CodeRateLimited = 99991400

// APIError is a non-success reply from the open platform: an HTTP error
// status, a non-zero envelope code, or both.
type APIError struct {
	HTTPStatus int
	Code       int
	Msg        string
	// RateLimited is set for HTTP 429 and for configured rate-limit codes.
	RateLimited bool
	// RetryAfter is the server's wait hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("feishu api: status %d code %d: %s", e.HTTPStatus, e.Code, e.Msg)
	}
	return fmt.Sprintf("feishu api: status %d: %s", e.HTTPStatus, e.Msg)
}

// RetryAfterHint exposes the server wait hint to crawl error reporting.
func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Classify maps a remote call error onto a retry class. Throttling replies are
// rate-limit failures; connection faults and timeouts are transient. Every
// other reply, including server errors, is fatal.
func Classify(err error) retry.Class {
	if err == nil {
		return retry.Success
	}
	if errors.Is(err, context.Canceled) {
		return retry.Fatal
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited {
			return retry.RetryableRateLimit
		}
		return retry.Fatal
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return retry.RetryableTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.RetryableTransient
	}
	return retry.Fatal
}

// parseRetryAfter reads Retry-After (seconds or HTTP date) and falls back to
// the gateway's x-ogw-ratelimit-reset seconds.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if v := strings.TrimSpace(h.Get("x-ogw-ratelimit-reset")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
