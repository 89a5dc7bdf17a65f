package progress

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/metrics"
)

// UpdateType names the kind of a stream Update.
type UpdateType string

// Stream update types. A stream carries any number of progress and heartbeat
// updates, then exactly one result or error, then exactly one end.
const (
	UpdateProgress  UpdateType = "progress"
	UpdateHeartbeat UpdateType = "heartbeat"
	UpdateResult    UpdateType = "result"
	UpdateError     UpdateType = "error"
	UpdateEnd       UpdateType = "end"
)

// Update is one element of a progress stream.
type Update[T any] struct {
	Type UpdateType `json:"type"`
	// Count is the cumulative item count of a progress update.
	Count int64 `json:"count,omitempty"`
	// Data is the crawl result of a result update.
	Data *T `json:"data,omitempty"`
	// Message is the error text of an error update.
	Message string `json:"message,omitempty"`
	// RetryAfter is the suggested wait in whole seconds before retrying.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// Terminal reports whether u is a result or an error.
func (u Update[T]) Terminal() bool {
	return u.Type == UpdateResult || u.Type == UpdateError
}

// StreamConfig tunes Stream.
type StreamConfig struct {
	// QueueSize bounds the signals buffered between the crawl and the consumer.
	QueueSize int
	// PollInterval is how long the consumer waits for a signal before checking
	// on the crawl and emitting a heartbeat.
	PollInterval time.Duration
	Heartbeat    bool
	// CancelOnDisconnect cancels the crawl when the consumer context ends.
	// Otherwise the crawl runs to completion and its result is discarded.
	CancelOnDisconnect bool
	// RetryHint extracts a suggested wait from a crawl error.
	RetryHint func(err error) (time.Duration, bool)
	Logger    *zap.Logger
}

// Stream defaults.
const (
	DefaultQueueSize    = 64
	DefaultPollInterval = time.Second
)

func (c StreamConfig) withDefaults() StreamConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type signalKind int

const (
	signalProgress signalKind = iota
	signalFinished
)

type signal struct {
	kind  signalKind
	count int64
}

// outcome is written once by the crawl goroutine before done is closed.
type outcome[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// Stream runs fn in the background and returns its progress as an ordered
// channel of updates. fn receives a report callback that never blocks; when
// the queue is full the count is dropped and the latest value is delivered
// later. The channel is closed after the end update, or as soon as ctx ends.
func Stream[T any](
	ctx context.Context,
	cfg StreamConfig,
	fn func(ctx context.Context, report func(count int64)) (T, error),
) <-chan Update[T] {
	cfg = cfg.withDefaults()
	out := make(chan Update[T])
	queue := make(chan signal, cfg.QueueSize)
	res := &outcome[T]{done: make(chan struct{})}
	var latest atomic.Int64

	runCtx := context.WithoutCancel(ctx)
	cancelRun := context.CancelFunc(func() {})
	if cfg.CancelOnDisconnect {
		runCtx, cancelRun = context.WithCancel(ctx)
	}

	report := func(count int64) {
		for {
			cur := latest.Load()
			if count <= cur || latest.CompareAndSwap(cur, count) {
				break
			}
		}
		select {
		case queue <- signal{kind: signalProgress, count: count}:
		default:
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("crawl panicked: %v", r)
			}
			close(res.done)
			select {
			case queue <- signal{kind: signalFinished}:
			default:
			}
		}()
		res.result, res.err = fn(runCtx, report)
	}()

	go func() {
		defer close(out)
		defer cancelRun()
		metrics.IncActiveStreams()
		defer metrics.DecActiveStreams()

		s := &streamer[T]{ctx: ctx, cfg: cfg, out: out, latest: &latest}
		timer := time.NewTimer(cfg.PollInterval)
		defer timer.Stop()
		for {
			select {
			case sig := <-queue:
				if sig.kind == signalFinished {
					s.finish(res)
					return
				}
				if !s.progress(sig.count) {
					return
				}
			case <-timer.C:
				select {
				case <-res.done:
					s.finish(res)
					return
				default:
				}
				if cfg.Heartbeat && !s.emit(Update[T]{Type: UpdateHeartbeat}) {
					return
				}
			case <-ctx.Done():
				s.disconnected()
				return
			}
			resetTimer(timer, cfg.PollInterval)
		}
	}()
	return out
}

type streamer[T any] struct {
	ctx     context.Context
	cfg     StreamConfig
	out     chan<- Update[T]
	latest  *atomic.Int64
	emitted int64
}

func (s *streamer[T]) emit(u Update[T]) bool {
	select {
	case s.out <- u:
		return true
	case <-s.ctx.Done():
		s.disconnected()
		return false
	}
}

// progress forwards count when it moves the stream forward.
func (s *streamer[T]) progress(count int64) bool {
	if count <= s.emitted {
		return true
	}
	s.emitted = count
	return s.emit(Update[T]{Type: UpdateProgress, Count: count})
}

func (s *streamer[T]) finish(res *outcome[T]) {
	if !s.progress(s.latest.Load()) {
		return
	}
	terminal := Update[T]{Type: UpdateResult, Data: &res.result}
	if res.err != nil {
		terminal = Update[T]{Type: UpdateError, Message: res.err.Error()}
		if s.cfg.RetryHint != nil {
			if wait, ok := s.cfg.RetryHint(res.err); ok {
				terminal.RetryAfter = retrySeconds(wait)
			}
		}
	}
	if !s.emit(terminal) {
		return
	}
	s.emit(Update[T]{Type: UpdateEnd})
}

func (s *streamer[T]) disconnected() {
	s.cfg.Logger.Info("progress stream consumer went away",
		zap.Bool("cancel_crawl", s.cfg.CancelOnDisconnect),
		zap.Int64("count", s.emitted),
	)
}

func retrySeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
