// Package retry wraps single remote calls with failure classification and
// exponential backoff. Every attempt passes through a rate gate first, so
// retries never bypass the remote quota.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/metrics"
)

// Class is the outcome category of one attempt.
type Class int

// Attempt outcome classes.
const (
	Success Class = iota
	RetryableRateLimit
	RetryableTransient
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case RetryableRateLimit:
		return "rate_limit"
	case RetryableTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classifier maps an attempt error to a Class. It is only called with non-nil errors.
type Classifier func(err error) Class

// Gate is the rate limiter consulted before every attempt.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ErrExhaustedRetries matches any *ExhaustedError via errors.Is.
var ErrExhaustedRetries = errors.New("retries exhausted")

// ExhaustedError reports a call that failed on every attempt of its budget.
type ExhaustedError struct {
	Attempts int
	// Class is the classification of the last failure.
	Class Class
	Last  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts (%s): %v", e.Attempts, e.Class, e.Last)
}

// Unwrap exposes the last underlying failure.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is makes errors.Is(err, ErrExhaustedRetries) match.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhaustedRetries }

// IsRateLimitExhausted reports whether err is retry exhaustion caused by rate limiting.
func IsRateLimitExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex) && ex.Class == RetryableRateLimit
}

// Backoff controls delays between attempts. Attempt index i starts at 0.
// Rate-limit failures wait Base*3^i plus jitter in [RateLimitJitterMin, RateLimitJitterMax);
// transient failures wait Base*2^i plus jitter in [0, TransientJitterMax).
type Backoff struct {
	Base               time.Duration
	RateLimitJitterMin time.Duration
	RateLimitJitterMax time.Duration
	TransientJitterMax time.Duration
}

// DefaultBackoff mirrors the production tuning: one second base, 1-3s jitter
// after throttling, up to 1s after transient faults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:               time.Second,
		RateLimitJitterMin: time.Second,
		RateLimitJitterMax: 3 * time.Second,
		TransientJitterMax: time.Second,
	}
}

// Delay returns the wait before the attempt following failure i of class c.
func (b Backoff) Delay(c Class, attempt int) time.Duration {
	switch c {
	case RetryableRateLimit:
		base := float64(b.Base) * math.Pow(3, float64(attempt))
		return time.Duration(base) + b.RateLimitJitterMin + randomJitter(b.RateLimitJitterMax-b.RateLimitJitterMin)
	case RetryableTransient:
		base := float64(b.Base) * math.Pow(2, float64(attempt))
		return time.Duration(base) + randomJitter(b.TransientJitterMax)
	default:
		return 0
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Config controls a Caller.
type Config struct {
	// MaxRetries is the total number of attempts per call.
	MaxRetries int
	Backoff    Backoff
}

// DefaultMaxRetries is the attempt budget used when Config.MaxRetries is unset.
const DefaultMaxRetries = 5

// Caller executes operations with rate gating, classification, and backoff.
type Caller struct {
	gate     Gate
	classify Classifier
	sleeper  Sleeper
	cfg      Config
	logger   *zap.Logger
}

// NewCaller wires a Caller. gate, classify, and sleeper are required.
func NewCaller(gate Gate, classify Classifier, sleeper Sleeper, cfg Config, logger *zap.Logger) (*Caller, error) {
	if gate == nil || classify == nil || sleeper == nil {
		return nil, errors.New("retry caller requires a gate, a classifier, and a sleeper")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{gate: gate, classify: classify, sleeper: sleeper, cfg: cfg, logger: logger}, nil
}

// Call runs op until it succeeds, fails fatally, or the attempt budget is spent.
// Fatal failures are returned unwrapped so callers can inspect them directly.
func (c *Caller) Call(ctx context.Context, op func(ctx context.Context) error) error {
	var (
		last      error
		lastClass Class
	)
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.gate.Acquire(ctx); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			metrics.ObserveRemoteCall(Success.String())
			return nil
		}
		class := c.classify(err)
		metrics.ObserveRemoteCall(class.String())
		if class != RetryableRateLimit && class != RetryableTransient {
			return err
		}
		last, lastClass = err, class

		if attempt == c.cfg.MaxRetries-1 {
			break
		}
		delay := c.cfg.Backoff.Delay(class, attempt)
		metrics.ObserveRetry(class.String())
		c.logger.Warn("remote call failed, backing off",
			zap.String("class", class.String()),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.cfg.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry backoff: %w", err)
		}
	}
	metrics.ObserveRetriesExhausted(lastClass.String())
	c.logger.Error("remote call retries exhausted",
		zap.String("class", lastClass.String()),
		zap.Int("attempts", c.cfg.MaxRetries),
		zap.Error(last),
	)
	return &ExhaustedError{Attempts: c.cfg.MaxRetries, Class: lastClass, Last: last}
}
