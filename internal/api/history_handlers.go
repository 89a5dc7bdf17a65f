package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/service"
	"github.com/JakeFAU/wiki-tree-crawler/internal/store"
)

const (
	defaultCrawlLimit = 50
	maxCrawlLimit     = 500
	historyTimeout    = 3 * time.Second
)

// CrawlHistory reads recorded crawl runs. *service.Service and every
// store.CrawlRepository satisfy it.
type CrawlHistory interface {
	GetCrawl(ctx context.Context, crawlID uuid.UUID) (store.CrawlRun, error)
	ListCrawls(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.CrawlRun, error)
}

// HistoryHandler exposes read-only crawl run endpoints.
type HistoryHandler struct {
	repo    CrawlHistory
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the history source and logger.
func NewHistoryHandler(repo CrawlHistory, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListCrawls handles GET /api/crawls?status=&limit=&offset=. It returns a JSON
// object {"crawls": [...]} on success, 400 for invalid filters, 503 when no
// history is configured, or 500 if the repository call fails.
func (h *HistoryHandler) ListCrawls(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl history unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultCrawlLimit, maxCrawlLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &val
	}
	runs, err := h.repo.ListCrawls(ctx, status, limit, offset)
	if err != nil {
		if errors.Is(err, service.ErrHistoryDisabled) {
			writeError(w, http.StatusServiceUnavailable, "crawl history unavailable")
			return
		}
		h.logger.Error("list crawls failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crawls": toCrawlDTOs(runs),
	})
}

// GetCrawl handles GET /api/crawls/{crawl_id}. It returns {"crawl": {...}} on
// success, 400 for malformed IDs, 404 when the repository reports
// store.ErrNotFound, 503 if history is not configured, or 500 otherwise.
func (h *HistoryHandler) GetCrawl(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl history unavailable")
		return
	}
	crawlID, err := parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetCrawl(ctx, crawlID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "crawl not found")
		case errors.Is(err, service.ErrHistoryDisabled):
			writeError(w, http.StatusServiceUnavailable, "crawl history unavailable")
		default:
			h.logger.Error("get crawl failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load crawl")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": toCrawlDTO(run)})
}

func parseCrawlID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "crawl_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("crawl_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid crawl_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "rate_limited", "rate-limited", "throttled":
		return store.RunRateLimited, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toCrawlDTOs(in []store.CrawlRun) []crawlDTO {
	out := make([]crawlDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toCrawlDTO(run))
	}
	return out
}

func toCrawlDTO(run store.CrawlRun) crawlDTO {
	return crawlDTO{
		CrawlID:    run.ID.String(),
		SpaceID:    run.SpaceID,
		RootToken:  run.RootToken,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Items:      run.Items,
		Pages:      run.Pages,
		Error:      run.ErrorMessage,
	}
}

type crawlDTO struct {
	CrawlID    string     `json:"crawl_id"`
	SpaceID    string     `json:"space_id"`
	RootToken  string     `json:"root_token,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Items      int64      `json:"items"`
	Pages      int64      `json:"pages"`
	Error      *string    `json:"error,omitempty"`
}
