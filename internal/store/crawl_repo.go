package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("crawl run not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Crawl run statuses persisted in crawl_runs.status.
const (
	RunRunning     RunStatus = "running"
	RunSuccess     RunStatus = "success"
	RunRateLimited RunStatus = "rate_limited"
	RunError       RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunRateLimited, RunError:
		return true
	}
	return false
}

// CrawlRun models the crawl_runs table for API responses.
type CrawlRun struct {
	ID        uuid.UUID `json:"id"`
	SpaceID   string    `json:"space_id"`
	RootToken string    `json:"root_token,omitempty"`
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run is marked finished.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// Items and Pages accumulate page deltas while the crawl runs.
	Items        int64   `json:"items"`
	Pages        int64   `json:"pages"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// CrawlRepository persists crawl run history.
type CrawlRepository interface {
	// UpsertCrawlStart inserts the run as running; repeated calls are idempotent.
	UpsertCrawlStart(ctx context.Context, crawlID uuid.UUID, spaceID, rootToken string, startedAt time.Time) error
	// AddCrawlProgress applies item and page deltas.
	AddCrawlProgress(ctx context.Context, crawlID uuid.UUID, deltaItems, deltaPages int64, at time.Time) error
	// CompleteCrawl marks the run finished with the provided status and error.
	CompleteCrawl(ctx context.Context, crawlID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetCrawl returns one run or ErrNotFound.
	GetCrawl(ctx context.Context, crawlID uuid.UUID) (CrawlRun, error)
	// ListCrawls returns runs newest first, optionally filtered by status.
	ListCrawls(ctx context.Context, status *RunStatus, limit, offset int) ([]CrawlRun, error)
}
