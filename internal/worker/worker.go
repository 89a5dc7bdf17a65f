// Package worker executes queued background crawls.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/service"
)

// Queue yields jobs to run.
type Queue interface {
	Dequeue(ctx context.Context) (service.Job, error)
}

// Runner executes one crawl job.
type Runner interface {
	Run(ctx context.Context, job service.Job) error
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single crawl; zero means no limit.
	JobTimeout time.Duration
}

// Worker consumes queue items and runs them one at a time.
type Worker struct {
	queue  Queue
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue Queue, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Info("queue drained, worker stopping", zap.Error(err))
			}
			return
		}
		w.logger.Debug("dequeued crawl", zap.String("crawl_id", job.CrawlID.String()))
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job service.Job) {
	if w.runner == nil {
		w.logger.Error("no crawl runner configured", zap.String("crawl_id", job.CrawlID.String()))
		return
	}
	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := w.runner.Run(jobCtx, job)
	fields := []zap.Field{
		zap.String("crawl_id", job.CrawlID.String()),
		zap.String("space_id", job.Request.SpaceID),
		zap.Duration("dur", time.Since(start)),
	}
	if err != nil {
		w.logger.Warn("background crawl failed", append(fields, zap.Error(err))...)
		return
	}
	w.logger.Info("background crawl finished", fields...)
}
