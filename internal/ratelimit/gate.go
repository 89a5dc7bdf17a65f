// Package ratelimit throttles calls to a remote API whose quota is a sliding
// window per credential. A Gate combines a calls-per-window ceiling, derived from
// the documented limit scaled by a safety factor, with a minimum spacing between
// consecutive calls.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/wiki-tree-crawler/internal/metrics"
)

// Clock supplies time and interruptible sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config describes one remote quota.
type Config struct {
	// MaxCalls is the documented remote limit per Window.
	MaxCalls int
	Window   time.Duration
	// SafetyFactor in (0,1] scales MaxCalls down to leave headroom for clock
	// skew and calls the gate cannot see.
	SafetyFactor float64
	// Buffer is added to waits caused by a full window.
	Buffer time.Duration
}

// Validate checks the quota is usable.
func (c Config) Validate() error {
	if c.MaxCalls <= 0 {
		return errors.New("max calls must be > 0")
	}
	if c.Window <= 0 {
		return errors.New("window must be > 0")
	}
	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		return fmt.Errorf("safety factor must be in (0,1], got %v", c.SafetyFactor)
	}
	if c.Buffer < 0 {
		return errors.New("buffer must be >= 0")
	}
	return nil
}

// EffectiveMax is the number of calls the gate admits per window.
func (c Config) EffectiveMax() int {
	m := int(math.Floor(float64(c.MaxCalls) * c.SafetyFactor))
	if m < 1 {
		m = 1
	}
	return m
}

// MinSpacing is the smallest gap enforced between two recorded calls.
func (c Config) MinSpacing() time.Duration {
	return c.Window / time.Duration(c.EffectiveMax())
}

// Gate enforces Config for every caller sharing it. It is safe for concurrent use.
type Gate struct {
	window       time.Duration
	effectiveMax int
	minSpacing   time.Duration
	buffer       time.Duration
	clock        Clock
	logger       *zap.Logger
	saturatedLog rate.Sometimes

	mu    sync.Mutex
	calls []time.Time
	// onRecord observes each admitted call while the lock is held.
	onRecord func(time.Time)
}

// New builds a Gate. A nil logger disables logging.
func New(cfg Config, clock Clock, logger *zap.Logger) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate gate config: %w", err)
	}
	if clock == nil {
		return nil, errors.New("rate gate clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		window:       cfg.Window,
		effectiveMax: cfg.EffectiveMax(),
		minSpacing:   cfg.MinSpacing(),
		buffer:       cfg.Buffer,
		clock:        clock,
		logger:       logger,
		saturatedLog: rate.Sometimes{Interval: 5 * time.Second},
		calls:        make([]time.Time, 0, cfg.EffectiveMax()),
	}, nil
}

// Acquire blocks until one call may be issued and records it. It only fails
// when ctx ends while waiting.
func (g *Gate) Acquire(ctx context.Context) error {
	start := g.clock.Now()
	waited := false
	for {
		wait := g.reserve()
		if wait <= 0 {
			break
		}
		waited = true
		if err := g.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate gate acquire: %w", err)
		}
	}
	if waited {
		metrics.ObserveRateGateWait(g.clock.Now().Sub(start))
	}
	return nil
}

// inWindow reports how many recorded calls are still inside the window.
func (g *Gate) inWindow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeLocked(g.clock.Now())
	return len(g.calls)
}

// reserve records a call and returns 0, or returns how long to sleep before
// trying again. The lock is never held across a sleep.
func (g *Gate) reserve() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.purgeLocked(now)

	if len(g.calls) >= g.effectiveMax {
		wait := g.calls[0].Add(g.window).Sub(now) + g.buffer
		g.saturatedLog.Do(func() {
			g.logger.Warn("rate gate window full",
				zap.Int("effective_max", g.effectiveMax),
				zap.Duration("window", g.window),
				zap.Duration("wait", wait),
			)
		})
		return wait
	}
	if n := len(g.calls); n > 0 {
		if since := now.Sub(g.calls[n-1]); since < g.minSpacing {
			return g.minSpacing - since
		}
	}

	g.calls = append(g.calls, now)
	if g.onRecord != nil {
		g.onRecord(now)
	}
	return 0
}

func (g *Gate) purgeLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.calls) && !g.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.calls = append(g.calls[:0], g.calls[i:]...)
	}
}
