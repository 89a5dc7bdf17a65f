// Package feishu is a minimal client for the Feishu open platform wiki and
// docx endpoints used by the crawler.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
)

// DefaultBaseURL is the public open platform endpoint.
const DefaultBaseURL = "https://open.feishu.cn"

const maxBodyBytes = 16 << 20

var tracer = otel.Tracer("github.com/JakeFAU/wiki-tree-crawler/internal/feishu")

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RateLimitCodes are envelope codes treated as throttling even on HTTP 200.
	RateLimitCodes []int
	UserAgent      string
}

// Client talks to the open platform. It holds no credentials; Session binds one.
type Client struct {
	baseURL    string
	httpClient *http.Client
	codes      map[int]struct{}
	userAgent  string
	logger     *zap.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse feishu base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	codes := make(map[int]struct{}, len(cfg.RateLimitCodes)+1)
	codes[CodeRateLimited] = struct{}{}
	for _, c := range cfg.RateLimitCodes {
		codes[c] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		codes:      codes,
		userAgent:  cfg.UserAgent,
		logger:     logger,
	}, nil
}

// Session binds a user access token to the client.
type Session struct {
	client *Client
	token  string
}

// As returns a Session authenticated with token.
func (c *Client) As(token string) *Session {
	return &Session{client: c, token: token}
}

// Document is the plain text body of a docx document.
type Document struct {
	Content string `json:"content"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// ListNodes fetches one page of a parent's children.
func (s *Session) ListNodes(ctx context.Context, req crawler.ListRequest) (crawler.Page, error) {
	q := url.Values{}
	if req.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(req.PageSize))
	}
	if req.ParentToken != "" {
		q.Set("parent_node_token", req.ParentToken)
	}
	if req.PageToken != "" {
		q.Set("page_token", req.PageToken)
	}
	var page crawler.Page
	path := "/open-apis/wiki/v2/spaces/" + url.PathEscape(req.SpaceID) + "/nodes"
	if err := s.client.get(ctx, s.token, path, q, &page); err != nil {
		return crawler.Page{}, err
	}
	return page, nil
}

// ListSpaces returns one page of the wiki spaces visible to the session,
// passing the response data through untouched.
func (s *Session) ListSpaces(ctx context.Context, pageSize int, pageToken string) (json.RawMessage, error) {
	q := url.Values{}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	var data json.RawMessage
	if err := s.client.get(ctx, s.token, "/open-apis/wiki/v2/spaces", q, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// GetRawContent returns the plain text of a docx document.
func (s *Session) GetRawContent(ctx context.Context, objToken string) (Document, error) {
	var doc Document
	path := "/open-apis/docx/v1/documents/" + url.PathEscape(objToken) + "/raw_content"
	if err := s.client.get(ctx, s.token, path, nil, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (c *Client) get(ctx context.Context, token, path string, q url.Values, out any) (err error) {
	ctx, span := tracer.Start(ctx, "feishu.get", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("feishu.path", path))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
	}()

	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build feishu request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("feishu GET %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read feishu response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("feishu call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	var env envelope
	decodeErr := json.Unmarshal(body, &env)
	if resp.StatusCode >= http.StatusBadRequest || (decodeErr == nil && env.Code != 0) {
		apiErr := &APIError{
			HTTPStatus: resp.StatusCode,
			Code:       env.Code,
			Msg:        env.Msg,
			RetryAfter: parseRetryAfter(resp.Header, time.Now()),
		}
		if decodeErr != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		_, throttledCode := c.codes[env.Code]
		apiErr.RateLimited = resp.StatusCode == http.StatusTooManyRequests || (env.Code != 0 && throttledCode)
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode feishu envelope: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode feishu data: %w", err)
	}
	return nil
}
