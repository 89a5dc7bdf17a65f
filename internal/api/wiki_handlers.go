package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu"
	queuememory "github.com/JakeFAU/wiki-tree-crawler/internal/queue/memory"
	"github.com/JakeFAU/wiki-tree-crawler/internal/service"
)

const maxPageSize = 50

// listSpaces handles GET /api/wiki/spaces?page_size=&page_token=. The remote
// data object is returned untouched.
func (s *Server) listSpaces(w http.ResponseWriter, r *http.Request) {
	token, ok := requireToken(w, r)
	if !ok {
		return
	}
	pageSize, err := parsePageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := s.svc.ListSpaces(r.Context(), token, pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	writeJSON(w, http.StatusOK, data)
}

// listNodes handles GET /api/wiki/{space_id}/nodes. Without fetch_all it
// returns one listing page for parent_node_token; with fetch_all=true it
// crawls the whole tree and returns {"items": [...]}.
func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	token, ok := requireToken(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	fetchAll, err := parseBool(q.Get("fetch_all"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid fetch_all")
		return
	}
	if fetchAll {
		req, err := crawlRequest(r, token, q.Get("parent_node_token"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := s.svc.Crawl(r.Context(), req, nil)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		setCrawlHeaders(w, res)
		writeJSON(w, http.StatusOK, map[string]any{"items": nodesOf(res)})
		return
	}

	pageSize, err := parsePageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.svc.ListNodes(r.Context(), token, crawler.ListRequest{
		SpaceID:     chi.URLParam(r, "space_id"),
		ParentToken: q.Get("parent_node_token"),
		PageToken:   q.Get("page_token"),
		PageSize:    pageSize,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []*crawler.Node{}
	}
	writeJSON(w, http.StatusOK, page)
}

// crawlAll handles GET /api/wiki/{space_id}/nodes/all?root_token=&refresh=.
// The response body is the JSON array of top-level nodes with their subtrees.
func (s *Server) crawlAll(w http.ResponseWriter, r *http.Request) {
	token, ok := requireToken(w, r)
	if !ok {
		return
	}
	req, err := crawlRequest(r, token, r.URL.Query().Get("root_token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Crawl(r.Context(), req, nil)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	setCrawlHeaders(w, res)
	writeJSON(w, http.StatusOK, nodesOf(res))
}

// streamNodes handles GET /api/wiki/{space_id}/nodes/stream as server-sent
// events. Each update is one "data:" line; the last is {"type":"end"}.
func (s *Server) streamNodes(w http.ResponseWriter, r *http.Request) {
	token, ok := requireToken(w, r)
	if !ok {
		return
	}
	req, err := crawlRequest(r, token, r.URL.Query().Get("root_token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for u := range s.svc.Stream(r.Context(), req) {
		data, err := json.Marshal(u)
		if err != nil {
			s.logger.Error("encode stream update failed", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Info("stream write failed",
				zap.Error(err),
				zap.String("request_id", requestID(r.Context())),
			)
			// Keep draining so the stream goroutine can observe the disconnect.
			continue
		}
		flusher.Flush()
	}
}

type submitCrawlRequest struct {
	RootToken string `json:"root_token"`
	Refresh   bool   `json:"refresh"`
}

// submitCrawl handles POST /api/wiki/{space_id}/crawls. The body is optional.
// It replies 202 with the crawl ID to poll under /api/crawls.
func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	token, ok := requireToken(w, r)
	if !ok {
		return
	}
	var body submitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	crawlID, err := s.svc.Submit(r.Context(), service.CrawlRequest{
		Token:     token,
		SpaceID:   chi.URLParam(r, "space_id"),
		RootToken: strings.TrimSpace(body.RootToken),
		Refresh:   body.Refresh,
	})
	if err != nil {
		if errors.Is(err, queuememory.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "crawl queue is full")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/crawls/"+crawlID.String())
	writeJSON(w, http.StatusAccepted, map[string]string{
		"crawl_id": crawlID.String(),
		"status":   "queued",
	})
}

// getDocument handles GET /api/wiki/doc/{obj_token}.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	token, ok := requireToken(w, r)
	if !ok {
		return
	}
	doc, err := s.svc.GetDocument(r.Context(), token, chi.URLParam(r, "obj_token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// writeServiceError maps crawl and remote failures onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr *feishu.APIError
		status = http.StatusInternalServerError
		body   = map[string]any{"error": err.Error()}
	)
	switch {
	case errors.Is(err, service.ErrMissingToken):
		status, body["error"] = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, service.ErrMissingSpace):
		status = http.StatusBadRequest
	case errors.Is(err, crawler.ErrRateLimitExceeded):
		wait, _ := crawler.RetryAfter(err)
		secs := retrySeconds(wait)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		status, body["retry_after"] = http.StatusTooManyRequests, secs
	case errors.Is(err, service.ErrHistoryDisabled), errors.Is(err, service.ErrJobsDisabled):
		status = http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatus
		if status < http.StatusBadRequest || status >= http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		if apiErr.RateLimited {
			status = http.StatusTooManyRequests
			if apiErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(apiErr.RetryAfter), 10))
			}
		}
		body["error"] = apiErr.Msg
		body["code"] = apiErr.Code
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
		)
	}
	writeJSON(w, status, body)
}

// userToken reads the caller's user access token from a Bearer
// Authorization header or the user-access-token header.
func userToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.Header.Get("user-access-token"))
}

func requireToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := userToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	return token, true
}

func crawlRequest(r *http.Request, token, rootToken string) (service.CrawlRequest, error) {
	refresh, err := parseBool(r.URL.Query().Get("refresh"))
	if err != nil {
		return service.CrawlRequest{}, errors.New("invalid refresh")
	}
	return service.CrawlRequest{
		Token:     token,
		SpaceID:   chi.URLParam(r, "space_id"),
		RootToken: strings.TrimSpace(rootToken),
		Refresh:   refresh,
	}, nil
}

func setCrawlHeaders(w http.ResponseWriter, res *service.CrawlResult) {
	w.Header().Set("X-Crawl-Id", res.CrawlID)
	if res.Cached {
		w.Header().Set("X-Crawl-Cached", "true")
	}
}

func nodesOf(res *service.CrawlResult) []*crawler.Node {
	if res.Nodes == nil {
		return []*crawler.Node{}
	}
	return res.Nodes
}

func parsePageSize(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("page_size")
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid page_size")
	}
	if val > maxPageSize {
		val = maxPageSize
	}
	return val, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse bool: %w", err)
	}
	return v, nil
}

func retrySeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
