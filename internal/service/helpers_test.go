package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wiki-tree-crawler/internal/cache"
	"github.com/JakeFAU/wiki-tree-crawler/internal/clock/system"
	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu/feishutest"
	"github.com/JakeFAU/wiki-tree-crawler/internal/hash/sha256"
	"github.com/JakeFAU/wiki-tree-crawler/internal/id/uuid"
	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
	pubmemory "github.com/JakeFAU/wiki-tree-crawler/internal/publisher/memory"
	"github.com/JakeFAU/wiki-tree-crawler/internal/ratelimit"
	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
	blobmemory "github.com/JakeFAU/wiki-tree-crawler/internal/storage/memory"
)

const testSpace = "7000000000000000001"

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	remote *feishutest.Server
	svc    *Service
	events *recordingEmitter
	blobs  *blobmemory.BlobStore
	pub    *pubmemory.Publisher
	cache  *cache.Memory
	runs   *blobmemory.CrawlStore
	jobs   *recordingQueue
}

// newFixture serves the tree root→[A, C], C→[D] with one item per page.
func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	remote := feishutest.NewServer()
	t.Cleanup(remote.Close)
	remote.AddNodes(testSpace, "",
		crawler.Node{NodeToken: "A", Title: "Alpha"},
		crawler.Node{NodeToken: "C", Title: "Charlie", HasChild: true},
	)
	remote.AddNodes(testSpace, "C", crawler.Node{NodeToken: "D", Title: "Delta"})
	remote.AddSpace(testSpace, "Handbook")
	remote.AddDocument("doxA", "hello wiki")

	client, err := feishu.NewClient(feishu.Config{BaseURL: remote.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	clock := system.New()
	gates, err := ratelimit.NewRegistry(ratelimit.Config{
		MaxCalls:     100000,
		Window:       time.Second,
		SafetyFactor: 1,
	}, clock, sha256.New(), nil)
	require.NoError(t, err)

	f := &fixture{
		remote: remote,
		events: &recordingEmitter{},
		blobs:  blobmemory.NewBlobStore(),
		pub:    pubmemory.New(),
		cache:  cache.NewMemory(nil),
		runs:   blobmemory.NewCrawlStore(),
		jobs:   &recordingQueue{},
	}
	cfg := Config{
		Retry:    retry.Config{MaxRetries: 2},
		Crawler:  crawler.Config{Workers: 2},
		PageSize: 1,
		Stream:   progress.StreamConfig{PollInterval: 20 * time.Millisecond},
		CacheTTL: time.Minute,
		Topic:    "crawls",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.svc, err = New(cfg, Deps{
		Dial:      func(token string) Remote { return client.As(token) },
		Gates:     gates,
		Clock:     clock,
		IDs:       uuid.New(),
		Hasher:    sha256.New(),
		Events:    f.events,
		Cache:     f.cache,
		Blobs:     f.blobs,
		Publisher: f.pub,
		Runs:      f.runs,
		Jobs:      f.jobs,
	})
	require.NoError(t, err)
	return f
}

func tokensOf(nodes []*crawler.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.NodeToken)
	}
	return out
}
