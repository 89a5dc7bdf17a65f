package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
)

// Config tunes the tree expansion.
type Config struct {
	// Workers bounds concurrent subtree expansions per level.
	Workers int
	// ScheduleDelay separates the scheduling of successive subtree tasks.
	ScheduleDelay time.Duration
	// RetryAfter is the minimum wait suggested after a rate-limit abort.
	RetryAfter time.Duration
}

// Default tuning values.
const (
	DefaultWorkers       = 2
	DefaultScheduleDelay = 100 * time.Millisecond
	DefaultRetryAfter    = 60 * time.Second
)

// Stats summarizes one crawl.
type Stats struct {
	Items           int64         `json:"items"`
	Pages           int64         `json:"pages"`
	FailedSubtrees  int64         `json:"failed_subtrees"`
	PartialListings int64         `json:"partial_listings"`
	Duration        time.Duration `json:"duration"`
}

// Result is a finished crawl.
type Result struct {
	Nodes []*Node `json:"nodes"`
	Stats Stats   `json:"stats"`
}

// Crawler expands a wiki space into a node tree.
type Crawler struct {
	walker  *Walker
	sleeper Sleeper
	cfg     Config
	logger  *zap.Logger
}

// New returns a Crawler backed by walker.
func New(walker *Walker, sleeper Sleeper, cfg Config, logger *zap.Logger) (*Crawler, error) {
	if walker == nil || sleeper == nil {
		return nil, errors.New("crawler requires a walker and a sleeper")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ScheduleDelay < 0 {
		cfg.ScheduleDelay = 0
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{walker: walker, sleeper: sleeper, cfg: cfg, logger: logger}, nil
}

// crawlRun carries the state of a single Crawl invocation.
type crawlRun struct {
	space string

	mu       sync.Mutex
	items    int64
	pages    int64
	progress func(total int64)

	failed  atomic.Int64
	partial atomic.Int64
}

// page adds a page worth of items and publishes the new total. Holding the
// lock while publishing keeps the observed totals non-decreasing.
func (r *crawlRun) page(items int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items += int64(items)
	r.pages++
	if r.progress != nil {
		r.progress(r.items)
	}
}

// Crawl lists the children of rootToken (the space root when empty) and
// recursively expands every node with has_child set. onProgress receives the
// cumulative item count after each page and must not block.
func (c *Crawler) Crawl(ctx context.Context, space, rootToken string, onProgress func(total int64)) (*Result, error) {
	start := time.Now()
	run := &crawlRun{space: space, progress: onProgress}
	logger := c.logger.With(zap.String("space_id", space))
	logger.Info("crawl started", zap.String("root_token", rootToken))

	nodes, _, err := c.level(ctx, run, rootToken)
	if err != nil {
		if retry.IsRateLimitExhausted(err) {
			logger.Error("crawl aborted by rate limiting", zap.Error(err))
			return nil, NewRateLimitExceeded(space, err, c.cfg.RetryAfter)
		}
		logger.Error("crawl failed", zap.Error(err))
		return nil, &FetchError{SpaceID: space, ParentToken: rootToken, Err: err}
	}

	run.mu.Lock()
	stats := Stats{Items: run.items, Pages: run.pages}
	run.mu.Unlock()
	stats.FailedSubtrees = run.failed.Load()
	stats.PartialListings = run.partial.Load()
	stats.Duration = time.Since(start)

	logger.Info("crawl finished",
		zap.Int64("items", stats.Items),
		zap.Int64("pages", stats.Pages),
		zap.Int64("failed_subtrees", stats.FailedSubtrees),
		zap.Duration("dur", stats.Duration),
	)
	return &Result{Nodes: nodes, Stats: stats}, nil
}

type subtree struct {
	children []*Node
	complete bool
	err      error
}

// level lists parent's children and resolves every expandable child.
func (c *Crawler) level(ctx context.Context, run *crawlRun, parent string) ([]*Node, bool, error) {
	nodes, complete, err := c.walker.ListChildren(ctx, run.space, parent, run.page)
	if err != nil {
		return nil, false, err
	}
	if !complete {
		run.partial.Add(1)
	}
	if err := c.resolve(ctx, run, parent, nodes); err != nil {
		return nil, false, err
	}
	return nodes, complete, nil
}

// resolve expands the has_child nodes of one level with bounded fan-out.
// Rate-limit exhaustion and cancellation escape the level; any other subtree
// failure marks that node failed.
func (c *Crawler) resolve(ctx context.Context, run *crawlRun, parent string, nodes []*Node) error {
	var expandable []*Node
	for _, n := range nodes {
		if n.HasChild {
			n.ChildrenState = ChildrenUnresolved
			expandable = append(expandable, n)
		}
	}
	if len(expandable) == 0 {
		return nil
	}

	var mu sync.Mutex
	results := make(map[string]subtree, len(expandable))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, n := range expandable {
		if i > 0 && c.cfg.ScheduleDelay > 0 {
			if err := c.sleeper.Sleep(gctx, c.cfg.ScheduleDelay); err != nil {
				break
			}
		}
		token := n.NodeToken
		g.Go(func() error {
			children, complete, err := c.level(gctx, run, token)
			if err != nil && (retry.IsRateLimitExhausted(err) || gctx.Err() != nil) {
				return err
			}
			mu.Lock()
			results[token] = subtree{children: children, complete: complete, err: err}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("expand children of %q: %w", parent, err)
	}

	for _, n := range expandable {
		r, ok := results[n.NodeToken]
		if !ok {
			continue
		}
		if r.err != nil {
			run.failed.Add(1)
			c.logger.Warn("subtree fetch failed",
				zap.String("space_id", run.space),
				zap.String("node_token", n.NodeToken),
				zap.Error(r.err),
			)
			n.markFailed(r.err)
			continue
		}
		n.attach(r.children, r.complete)
	}
	return nil
}
