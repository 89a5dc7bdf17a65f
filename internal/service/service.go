// Package service runs wiki crawls on behalf of API and CLI callers. It binds
// a credential to its rate gate and retry policy, reports lifecycle events to
// the progress hub, and handles the post-crawl side effects: cache, snapshot,
// and completion notification.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/cache"
	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu"
	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
	"github.com/JakeFAU/wiki-tree-crawler/internal/publisher"
	"github.com/JakeFAU/wiki-tree-crawler/internal/ratelimit"
	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
	"github.com/JakeFAU/wiki-tree-crawler/internal/storage"
	"github.com/JakeFAU/wiki-tree-crawler/internal/store"
)

// Errors returned before any remote call is made.
var (
	ErrMissingToken    = errors.New("user access token is required")
	ErrMissingSpace    = errors.New("space id is required")
	ErrHistoryDisabled = errors.New("crawl history is not configured")
	ErrJobsDisabled    = errors.New("background crawls are not configured")
)

var tracer = otel.Tracer("github.com/JakeFAU/wiki-tree-crawler/internal/service")

// Remote is one credential's view of the wiki API.
type Remote interface {
	crawler.PageLister
	ListSpaces(ctx context.Context, pageSize int, pageToken string) (json.RawMessage, error)
	GetRawContent(ctx context.Context, objToken string) (feishu.Document, error)
}

// Dialer binds a user access token to a Remote.
type Dialer func(token string) Remote

// Clock supplies timestamps and interruptible sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator creates crawl IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Hasher digests credentials for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Enqueuer accepts background crawl jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Config tunes crawls and their side effects.
type Config struct {
	Retry    retry.Config
	Crawler  crawler.Config
	PageSize int
	Stream   progress.StreamConfig
	// CacheTTL enables the result cache when positive.
	CacheTTL time.Duration
	// Topic receives a CrawlCompleted message per finished crawl when set.
	Topic string
	// SideEffectTimeout bounds snapshot, cache, and publish work after a crawl.
	SideEffectTimeout time.Duration
}

const defaultSideEffectTimeout = 15 * time.Second

// Deps are the collaborators of a Service. Dial, Gates, Clock, and IDs are
// required; the rest fall back to no-ops.
type Deps struct {
	Dial      Dialer
	Gates     *ratelimit.Registry
	Classify  retry.Classifier
	Clock     Clock
	IDs       IDGenerator
	Hasher    Hasher
	Events    progress.Emitter
	Cache     cache.Cache
	Blobs     storage.BlobStore
	Publisher publisher.Publisher
	Runs      store.CrawlRepository
	Jobs      Enqueuer
	Logger    *zap.Logger
}

// Service orchestrates crawls.
type Service struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New validates deps and returns a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Dial == nil || deps.Gates == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("service requires a dialer, a gate registry, a clock, and an id generator")
	}
	if deps.Classify == nil {
		deps.Classify = feishu.Classify
	}
	if deps.Events == nil {
		deps.Events = progress.NopEmitter{}
	}
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.CacheTTL > 0 && deps.Hasher == nil {
		return nil, errors.New("result cache requires a hasher")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = crawler.DefaultPageSize
	}
	if cfg.Crawler.RetryAfter <= 0 {
		cfg.Crawler.RetryAfter = crawler.DefaultRetryAfter
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = defaultSideEffectTimeout
	}
	return &Service{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// CrawlRequest names one crawl.
type CrawlRequest struct {
	Token     string
	SpaceID   string
	RootToken string
	// Refresh skips the result cache lookup.
	Refresh bool
	// CrawlID is preassigned for background jobs; zero generates one.
	CrawlID uuid.UUID
}

func (r CrawlRequest) validate() error {
	if r.Token == "" {
		return ErrMissingToken
	}
	if r.SpaceID == "" {
		return ErrMissingSpace
	}
	return nil
}

// CrawlResult is a finished crawl as returned to callers.
type CrawlResult struct {
	CrawlID     string          `json:"crawl_id"`
	SpaceID     string          `json:"space_id"`
	RootToken   string          `json:"root_token,omitempty"`
	Nodes       []*crawler.Node `json:"nodes"`
	Stats       crawler.Stats   `json:"stats"`
	Cached      bool            `json:"cached,omitempty"`
	SnapshotURI string          `json:"snapshot_uri,omitempty"`
}

// session builds the retrying caller and remote bound to token.
func (s *Service) session(token string) (*retry.Caller, Remote, error) {
	if token == "" {
		return nil, nil, ErrMissingToken
	}
	gate, err := s.deps.Gates.For(token)
	if err != nil {
		return nil, nil, fmt.Errorf("rate gate: %w", err)
	}
	caller, err := retry.NewCaller(gate, s.deps.Classify, s.deps.Clock, s.cfg.Retry, s.log.Named("retry"))
	if err != nil {
		return nil, nil, err
	}
	return caller, s.deps.Dial(token), nil
}

func (s *Service) newCrawler(token string) (*crawler.Crawler, error) {
	caller, remote, err := s.session(token)
	if err != nil {
		return nil, err
	}
	walker, err := crawler.NewWalker(remote, caller, s.cfg.PageSize, s.log.Named("walker"))
	if err != nil {
		return nil, err
	}
	return crawler.New(walker, s.deps.Clock, s.cfg.Crawler, s.log.Named("crawler"))
}

// Crawl fetches the whole tree under req.RootToken. report receives the
// cumulative item count after every page and may be nil.
func (s *Service) Crawl(ctx context.Context, req CrawlRequest, report func(count int64)) (*CrawlResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if report == nil {
		report = func(int64) {}
	}
	ctx, span := tracer.Start(ctx, "wiki.crawl", trace.WithAttributes(
		attribute.String("wiki.space_id", req.SpaceID),
		attribute.String("wiki.root_token", req.RootToken),
		attribute.Bool("wiki.refresh", req.Refresh),
	))
	defer span.End()

	cacheKey := ""
	if s.cfg.CacheTTL > 0 {
		digest, err := s.deps.Hasher.Hash([]byte(req.Token))
		if err != nil {
			return nil, fmt.Errorf("hash credential: %w", err)
		}
		cacheKey = cache.TreeKey(digest, req.SpaceID, req.RootToken)
		if !req.Refresh {
			if res, ok := s.cached(ctx, cacheKey, req); ok {
				span.SetAttributes(attribute.Bool("wiki.cached", true))
				if req.CrawlID != uuid.Nil {
					s.recordCachedRun(req, res)
				}
				report(res.Stats.Items)
				return res, nil
			}
		}
	}

	crawlID := req.CrawlID
	if crawlID == uuid.Nil {
		id, err := s.deps.IDs.NewRawID()
		if err != nil {
			return nil, err
		}
		crawlID = id
	}
	span.SetAttributes(attribute.String("wiki.crawl_id", crawlID.String()))
	logger := s.log.With(
		zap.String("crawl_id", crawlID.String()),
		zap.String("space_id", req.SpaceID),
		zap.String("root_token", req.RootToken),
	)

	cr, err := s.newCrawler(req.Token)
	if err != nil {
		return nil, err
	}

	rawID := progress.UUIDToBytes(crawlID)
	start := s.deps.Clock.Now()
	s.emit(progress.Event{
		CrawlID:   rawID,
		TS:        start,
		Stage:     progress.StageCrawlStart,
		SpaceID:   req.SpaceID,
		RootToken: req.RootToken,
	})

	// The crawler serializes progress callbacks, so last needs no lock.
	var last int64
	res, err := cr.Crawl(ctx, req.SpaceID, req.RootToken, func(total int64) {
		s.emit(progress.Event{
			CrawlID:   rawID,
			TS:        s.deps.Clock.Now(),
			Stage:     progress.StageCrawlPage,
			SpaceID:   req.SpaceID,
			RootToken: req.RootToken,
			Items:     total - last,
			Pages:     1,
		})
		last = total
		report(total)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		outcome := outcomeOf(err)
		s.emit(progress.Event{
			CrawlID:   rawID,
			TS:        s.deps.Clock.Now(),
			Stage:     progress.StageCrawlError,
			SpaceID:   req.SpaceID,
			RootToken: req.RootToken,
			Outcome:   outcome,
			Dur:       s.deps.Clock.Now().Sub(start),
			Note:      err.Error(),
		})
		s.notify(ctx, publisher.CrawlCompleted{
			CrawlID:   crawlID.String(),
			SpaceID:   req.SpaceID,
			RootToken: req.RootToken,
			Status:    string(statusOf(outcome)),
			Items:     last,
			Error:     err.Error(),
		}, logger)
		return nil, err
	}

	out := &CrawlResult{
		CrawlID:   crawlID.String(),
		SpaceID:   req.SpaceID,
		RootToken: req.RootToken,
		Nodes:     res.Nodes,
		Stats:     res.Stats,
	}
	span.SetAttributes(
		attribute.Int64("wiki.items", res.Stats.Items),
		attribute.Int64("wiki.pages", res.Stats.Pages),
	)
	s.persist(ctx, cacheKey, out, logger)
	s.emit(progress.Event{
		CrawlID:   rawID,
		TS:        s.deps.Clock.Now(),
		Stage:     progress.StageCrawlDone,
		SpaceID:   req.SpaceID,
		RootToken: req.RootToken,
		Items:     res.Stats.Items,
		Pages:     res.Stats.Pages,
		Outcome:   progress.OutcomeSuccess,
		Dur:       s.deps.Clock.Now().Sub(start),
	})
	s.notify(ctx, publisher.CrawlCompleted{
		CrawlID:     out.CrawlID,
		SpaceID:     req.SpaceID,
		RootToken:   req.RootToken,
		Status:      string(store.RunSuccess),
		Items:       res.Stats.Items,
		Pages:       res.Stats.Pages,
		SnapshotURI: out.SnapshotURI,
	}, logger)
	return out, nil
}

// Stream runs Crawl in the background and returns its live progress.
func (s *Service) Stream(ctx context.Context, req CrawlRequest) <-chan progress.Update[CrawlResult] {
	cfg := s.cfg.Stream
	cfg.RetryHint = crawler.RetryAfter
	if cfg.Logger == nil {
		cfg.Logger = s.log.Named("stream")
	}
	return progress.Stream(ctx, cfg, func(runCtx context.Context, report func(int64)) (CrawlResult, error) {
		res, err := s.Crawl(runCtx, req, report)
		if err != nil {
			return CrawlResult{}, err
		}
		return *res, nil
	})
}

func (s *Service) emit(evt progress.Event) {
	s.deps.Events.Emit(evt)
}

// recordCachedRun logs a queued crawl answered from the cache as its own run,
// so the preassigned ID resolves in crawl history.
func (s *Service) recordCachedRun(req CrawlRequest, res *CrawlResult) {
	rawID := progress.UUIDToBytes(req.CrawlID)
	now := s.deps.Clock.Now()
	s.emit(progress.Event{
		CrawlID:   rawID,
		TS:        now,
		Stage:     progress.StageCrawlStart,
		SpaceID:   req.SpaceID,
		RootToken: req.RootToken,
	})
	s.emit(progress.Event{
		CrawlID:   rawID,
		TS:        now,
		Stage:     progress.StageCrawlPage,
		SpaceID:   req.SpaceID,
		RootToken: req.RootToken,
		Items:     res.Stats.Items,
		Pages:     res.Stats.Pages,
	})
	s.emit(progress.Event{
		CrawlID:   rawID,
		TS:        now,
		Stage:     progress.StageCrawlDone,
		SpaceID:   req.SpaceID,
		RootToken: req.RootToken,
		Items:     res.Stats.Items,
		Pages:     res.Stats.Pages,
		Outcome:   progress.OutcomeSuccess,
		Note:      "served from cache of crawl " + res.CrawlID,
	})
	res.CrawlID = req.CrawlID.String()
}

func (s *Service) cached(ctx context.Context, key string, req CrawlRequest) (*CrawlResult, bool) {
	raw, err := s.deps.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("result cache lookup failed", zap.String("space_id", req.SpaceID), zap.Error(err))
		}
		return nil, false
	}
	var res CrawlResult
	if err := json.Unmarshal(raw, &res); err != nil {
		s.log.Warn("discarding undecodable cache entry", zap.String("space_id", req.SpaceID), zap.Error(err))
		return nil, false
	}
	res.Cached = true
	s.log.Debug("serving crawl from cache",
		zap.String("space_id", req.SpaceID),
		zap.String("crawl_id", res.CrawlID),
		zap.Int64("items", res.Stats.Items),
	)
	return &res, true
}

// persist writes the snapshot and the cache entry. Failures are logged only.
func (s *Service) persist(ctx context.Context, cacheKey string, out *CrawlResult, logger *zap.Logger) {
	if s.deps.Blobs == nil && cacheKey == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		logger.Warn("encode crawl result failed", zap.Error(err))
		return
	}
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SideEffectTimeout)
	defer cancel()

	if s.deps.Blobs != nil {
		uri, err := s.deps.Blobs.PutObject(sideCtx, storage.SnapshotPath(out.SpaceID, out.CrawlID),
			"application/json", bytes.NewReader(data))
		if err != nil {
			logger.Warn("snapshot upload failed", zap.Error(err))
		} else {
			out.SnapshotURI = uri
			logger.Debug("snapshot stored", zap.String("uri", uri))
		}
	}
	if cacheKey != "" {
		if err := s.deps.Cache.Set(sideCtx, cacheKey, data, s.cfg.CacheTTL); err != nil {
			logger.Warn("result cache store failed", zap.Error(err))
		}
	}
}

func (s *Service) notify(ctx context.Context, msg publisher.CrawlCompleted, logger *zap.Logger) {
	if s.cfg.Topic == "" || s.deps.Publisher == nil {
		return
	}
	msg.FinishedAt = s.deps.Clock.Now()
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SideEffectTimeout)
	defer cancel()
	id, err := s.deps.Publisher.Publish(sideCtx, s.cfg.Topic, msg)
	if err != nil {
		logger.Warn("completion notification failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("completion notification published", zap.String("topic", s.cfg.Topic), zap.String("message_id", id))
}

func outcomeOf(err error) progress.Outcome {
	switch {
	case errors.Is(err, crawler.ErrRateLimitExceeded):
		return progress.OutcomeRateLimited
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return progress.OutcomeCanceled
	default:
		return progress.OutcomeFailed
	}
}

func statusOf(o progress.Outcome) store.RunStatus {
	switch o {
	case progress.OutcomeSuccess:
		return store.RunSuccess
	case progress.OutcomeRateLimited:
		return store.RunRateLimited
	default:
		return store.RunError
	}
}
