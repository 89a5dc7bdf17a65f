// Package memory provides the in-process queue of background crawl jobs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/wiki-tree-crawler/internal/metrics"
	"github.com/JakeFAU/wiki-tree-crawler/internal/service"
)

var (
	// ErrQueueFull is returned by Enqueue when every slot is taken.
	ErrQueueFull = errors.New("crawl queue is full")
	// ErrClosed is returned once the queue has been closed and drained.
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO of crawl jobs. Enqueue never blocks so a submitting
// request can answer immediately; Dequeue waits for work or cancellation.
type Queue struct {
	jobs chan service.Job

	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a Queue holding at most capacity pending jobs.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{jobs: make(chan service.Job, capacity)}
}

// Enqueue adds job or fails fast with ErrQueueFull, ErrClosed or the
// context error.
func (q *Queue) Enqueue(ctx context.Context, job service.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue crawl %s: %w", job.CrawlID, err)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		metrics.SetCrawlQueueDepth(len(q.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue returns the oldest job, waiting until one arrives, ctx ends, or the
// queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (service.Job, error) {
	select {
	case <-ctx.Done():
		return service.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.jobs:
		if !ok {
			return service.Job{}, ErrClosed
		}
		metrics.SetCrawlQueueDepth(len(q.jobs))
		return job, nil
	}
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops intake. Jobs already queued can still be dequeued. Repeated
// calls are no-ops.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}
