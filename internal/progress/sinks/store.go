package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
	"github.com/JakeFAU/wiki-tree-crawler/internal/store"
)

// StoreSink persists crawl runs via a store.CrawlRepository. It collapses page
// deltas per crawl to reduce write amplification.
type StoreSink struct {
	repo   store.CrawlRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.CrawlRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order. Pending page deltas of a crawl are
// written before its completion. Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*progressDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		crawlID := evt.CrawlUUID()
		switch evt.Stage {
		case progress.StageCrawlStart:
			if err := s.repo.UpsertCrawlStart(ctx, crawlID, evt.SpaceID, evt.RootToken, evt.TS); err != nil {
				return fmt.Errorf("upsert crawl start: %w", err)
			}
		case progress.StageCrawlPage:
			delta := pending[crawlID]
			if delta == nil {
				delta = &progressDelta{}
				pending[crawlID] = delta
				order = append(order, crawlID)
			}
			delta.add(evt)
		case progress.StageCrawlDone, progress.StageCrawlError:
			if err := s.flush(ctx, crawlID, pending[crawlID]); err != nil {
				return err
			}
			delete(pending, crawlID)
			if err := s.complete(ctx, crawlID, evt); err != nil {
				return err
			}
		}
	}

	for _, crawlID := range order {
		if err := s.flush(ctx, crawlID, pending[crawlID]); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context, crawlID uuid.UUID, delta *progressDelta) error {
	if delta == nil || (delta.items == 0 && delta.pages == 0) {
		return nil
	}
	if err := s.repo.AddCrawlProgress(ctx, crawlID, delta.items, delta.pages, delta.at); err != nil {
		return fmt.Errorf("add crawl progress: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, crawlID uuid.UUID, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageCrawlError {
		status = store.RunError
		if evt.Outcome == progress.OutcomeRateLimited {
			status = store.RunRateLimited
		}
		if evt.Note != "" {
			note = &evt.Note
		}
	}
	if err := s.repo.CompleteCrawl(ctx, crawlID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete crawl: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type progressDelta struct {
	items int64
	pages int64
	at    time.Time
}

func (d *progressDelta) add(evt progress.Event) {
	d.items += evt.Items
	d.pages += evt.Pages
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}
