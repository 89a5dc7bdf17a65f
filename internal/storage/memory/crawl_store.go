package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/wiki-tree-crawler/internal/store"
)

// CrawlStore provides an in-memory store.CrawlRepository for development/testing.
type CrawlStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.CrawlRun
}

var _ store.CrawlRepository = (*CrawlStore)(nil)

// NewCrawlStore constructs a CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{runs: make(map[uuid.UUID]store.CrawlRun)}
}

// UpsertCrawlStart records a running crawl; an existing run is left untouched.
func (s *CrawlStore) UpsertCrawlStart(_ context.Context, crawlID uuid.UUID, spaceID, rootToken string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[crawlID]; exists {
		return nil
	}
	s.runs[crawlID] = store.CrawlRun{
		ID:        crawlID,
		SpaceID:   spaceID,
		RootToken: rootToken,
		StartedAt: startedAt.UTC(),
		Status:    store.RunRunning,
	}
	return nil
}

// AddCrawlProgress applies item and page deltas.
func (s *CrawlStore) AddCrawlProgress(_ context.Context, crawlID uuid.UUID, deltaItems, deltaPages int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[crawlID]
	if !ok {
		return fmt.Errorf("add crawl progress %s: %w", crawlID, store.ErrNotFound)
	}
	run.Items += deltaItems
	run.Pages += deltaPages
	s.runs[crawlID] = run
	return nil
}

// CompleteCrawl marks the run finished.
func (s *CrawlStore) CompleteCrawl(
	_ context.Context,
	crawlID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if !status.Valid() || status == store.RunRunning {
		return fmt.Errorf("invalid final status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[crawlID]
	if !ok {
		return fmt.Errorf("complete crawl %s: %w", crawlID, store.ErrNotFound)
	}
	run.Status = status
	run.FinishedAt = pointerTime(finishedAt.UTC())
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[crawlID] = run
	return nil
}

// GetCrawl fetches a run by ID.
func (s *CrawlStore) GetCrawl(_ context.Context, crawlID uuid.UUID) (store.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[crawlID]
	if !ok {
		return store.CrawlRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListCrawls returns runs newest first.
func (s *CrawlStore) ListCrawls(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.CrawlRun, error) {
	s.mu.RLock()
	out := make([]store.CrawlRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return []store.CrawlRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
