package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu"
	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
	"github.com/JakeFAU/wiki-tree-crawler/internal/store"
)

// call runs op once through the credential's rate gate and retry policy.
// Rate-limit exhaustion is reported as *crawler.RateLimitExceededError.
func (s *Service) call(ctx context.Context, token, spaceID string, op func(ctx context.Context, r Remote) error) error {
	caller, remote, err := s.session(token)
	if err != nil {
		return err
	}
	err = caller.Call(ctx, func(ctx context.Context) error {
		return op(ctx, remote)
	})
	if retry.IsRateLimitExhausted(err) {
		return crawler.NewRateLimitExceeded(spaceID, err, s.cfg.Crawler.RetryAfter)
	}
	return err
}

// ListNodes returns a single page of a parent's children.
func (s *Service) ListNodes(ctx context.Context, token string, req crawler.ListRequest) (crawler.Page, error) {
	if req.SpaceID == "" {
		return crawler.Page{}, ErrMissingSpace
	}
	if req.PageSize <= 0 {
		req.PageSize = s.cfg.PageSize
	}
	var page crawler.Page
	err := s.call(ctx, token, req.SpaceID, func(ctx context.Context, r Remote) error {
		var err error
		page, err = r.ListNodes(ctx, req)
		return err
	})
	return page, err
}

// ListSpaces returns one page of the spaces visible to token.
func (s *Service) ListSpaces(ctx context.Context, token string, pageSize int, pageToken string) (json.RawMessage, error) {
	var data json.RawMessage
	err := s.call(ctx, token, "", func(ctx context.Context, r Remote) error {
		var err error
		data, err = r.ListSpaces(ctx, pageSize, pageToken)
		return err
	})
	return data, err
}

// GetDocument returns the plain text of a docx document.
func (s *Service) GetDocument(ctx context.Context, token, objToken string) (feishu.Document, error) {
	var doc feishu.Document
	err := s.call(ctx, token, "", func(ctx context.Context, r Remote) error {
		var err error
		doc, err = r.GetRawContent(ctx, objToken)
		return err
	})
	return doc, err
}

// GetCrawl returns one crawl run from history.
func (s *Service) GetCrawl(ctx context.Context, id uuid.UUID) (store.CrawlRun, error) {
	if s.deps.Runs == nil {
		return store.CrawlRun{}, ErrHistoryDisabled
	}
	return s.deps.Runs.GetCrawl(ctx, id)
}

// ListCrawls returns crawl runs newest first.
func (s *Service) ListCrawls(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.CrawlRun, error) {
	if s.deps.Runs == nil {
		return nil, ErrHistoryDisabled
	}
	return s.deps.Runs.ListCrawls(ctx, status, limit, offset)
}
