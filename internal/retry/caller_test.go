package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	errThrottled = errors.New("429 too many requests")
	errReset     = errors.New("connection reset")
	errForbidden = errors.New("403 forbidden")
)

func testClassifier(err error) Class {
	switch {
	case errors.Is(err, errThrottled):
		return RetryableRateLimit
	case errors.Is(err, errReset):
		return RetryableTransient
	default:
		return Fatal
	}
}

type countingGate struct {
	mu       sync.Mutex
	acquired int
	err      error
}

func (g *countingGate) Acquire(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.acquired++
	return nil
}

func (g *countingGate) Acquired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquired
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

// scripted returns the queued errors in order, then succeeds.
type scripted struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scripted) op(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func noJitter() Backoff {
	return Backoff{Base: time.Second}
}

func newTestCaller(t *testing.T, gate Gate, sleeper Sleeper, maxRetries int) *Caller {
	t.Helper()
	c, err := NewCaller(gate, testClassifier, sleeper, Config{MaxRetries: maxRetries, Backoff: noJitter()}, nil)
	require.NoError(t, err)
	return c
}

func TestCallerSucceedsAfterTwoRateLimits(t *testing.T) {
	t.Parallel()

	gate := &countingGate{}
	sleeper := &recordingSleeper{}
	c := newTestCaller(t, gate, sleeper, 5)
	script := &scripted{errs: []error{errThrottled, errThrottled}}

	require.NoError(t, c.Call(context.Background(), script.op))
	require.Equal(t, 3, script.calls)
	require.Equal(t, 3, gate.Acquired())
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second}, sleeper.sleeps)
}

func TestCallerExhaustsOnConsecutiveRateLimits(t *testing.T) {
	t.Parallel()

	gate := &countingGate{}
	sleeper := &recordingSleeper{}
	c := newTestCaller(t, gate, sleeper, 4)
	script := &scripted{errs: []error{errThrottled, errThrottled, errThrottled, errThrottled}}

	err := c.Call(context.Background(), script.op)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrExhaustedRetries)
	require.ErrorIs(t, err, errThrottled)
	require.True(t, IsRateLimitExhausted(err))

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 4, ex.Attempts)
	require.Equal(t, RetryableRateLimit, ex.Class)

	require.Equal(t, 4, script.calls)
	require.Equal(t, 4, gate.Acquired())
	require.Len(t, sleeper.sleeps, 3)
}

func TestCallerTransientUsesGentlerCurve(t *testing.T) {
	t.Parallel()

	gate := &countingGate{}
	sleeper := &recordingSleeper{}
	c := newTestCaller(t, gate, sleeper, 5)
	script := &scripted{errs: []error{errReset, errReset, errReset}}

	require.NoError(t, c.Call(context.Background(), script.op))
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.sleeps)
}

func TestCallerTransientExhaustionIsNotRateLimit(t *testing.T) {
	t.Parallel()

	c := newTestCaller(t, &countingGate{}, &recordingSleeper{}, 2)
	script := &scripted{errs: []error{errThrottled, errReset}}

	err := c.Call(context.Background(), script.op)
	require.ErrorIs(t, err, ErrExhaustedRetries)
	require.False(t, IsRateLimitExhausted(err))
}

func TestCallerFatalReturnsImmediately(t *testing.T) {
	t.Parallel()

	gate := &countingGate{}
	sleeper := &recordingSleeper{}
	c := newTestCaller(t, gate, sleeper, 5)
	script := &scripted{errs: []error{errForbidden}}

	err := c.Call(context.Background(), script.op)
	require.ErrorIs(t, err, errForbidden)
	require.NotErrorIs(t, err, ErrExhaustedRetries)
	require.Equal(t, 1, script.calls)
	require.Equal(t, 1, gate.Acquired())
	require.Empty(t, sleeper.sleeps)
}

func TestCallerGateFailureStopsCall(t *testing.T) {
	t.Parallel()

	gate := &countingGate{err: context.Canceled}
	c := newTestCaller(t, gate, &recordingSleeper{}, 5)
	script := &scripted{}

	err := c.Call(context.Background(), script.op)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, script.calls)
}

func TestCallerBackoffHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestCaller(t, &countingGate{}, &recordingSleeper{}, 5)
	op := func(context.Context) error {
		cancel()
		return errReset
	}
	err := c.Call(ctx, op)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrExhaustedRetries)
}

func TestNewCallerDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewCaller(nil, testClassifier, &recordingSleeper{}, Config{}, nil)
	require.Error(t, err)

	c, err := NewCaller(&countingGate{}, testClassifier, &recordingSleeper{}, Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxRetries, c.cfg.MaxRetries)
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	for i := 0; i < 50; i++ {
		rl := b.Delay(RetryableRateLimit, 1)
		require.GreaterOrEqual(t, rl, 3*time.Second+time.Second)
		require.Less(t, rl, 3*time.Second+3*time.Second)

		tr := b.Delay(RetryableTransient, 2)
		require.GreaterOrEqual(t, tr, 4*time.Second)
		require.Less(t, tr, 5*time.Second)
	}
	require.Zero(t, b.Delay(Fatal, 3))
}

func TestClassString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "success", Success.String())
	require.Equal(t, "rate_limit", RetryableRateLimit.String())
	require.Equal(t, "transient", RetryableTransient.String())
	require.Equal(t, "fatal", Fatal.String())
}
