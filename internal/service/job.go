package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job is a crawl queued for background execution.
type Job struct {
	CrawlID uuid.UUID
	Request CrawlRequest
}

// Submit queues req for a background worker and returns its crawl ID. The
// run shows up in crawl history once a worker starts it.
func (s *Service) Submit(ctx context.Context, req CrawlRequest) (uuid.UUID, error) {
	if s.deps.Jobs == nil {
		return uuid.Nil, ErrJobsDisabled
	}
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	if req.CrawlID == uuid.Nil {
		id, err := s.deps.IDs.NewRawID()
		if err != nil {
			return uuid.Nil, err
		}
		req.CrawlID = id
	}
	if err := s.deps.Jobs.Enqueue(ctx, Job{CrawlID: req.CrawlID, Request: req}); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue crawl: %w", err)
	}
	s.log.Info("crawl queued",
		zap.String("crawl_id", req.CrawlID.String()),
		zap.String("space_id", req.SpaceID),
	)
	return req.CrawlID, nil
}

// Run executes a queued job. It satisfies the worker's runner contract.
func (s *Service) Run(ctx context.Context, job Job) error {
	req := job.Request
	req.CrawlID = job.CrawlID
	_, err := s.Crawl(ctx, req, nil)
	return err
}
