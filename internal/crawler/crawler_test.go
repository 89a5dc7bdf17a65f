package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
)

func newTestCrawler(t *testing.T, lister PageLister, sleeper Sleeper, cfg Config) *Crawler {
	t.Helper()
	w, err := NewWalker(lister, newTestCaller(3), 50, nil)
	require.NoError(t, err)
	if sleeper == nil {
		sleeper = &recordingSleeper{}
	}
	c, err := New(w, sleeper, cfg, nil)
	require.NoError(t, err)
	return c
}

// sampleTree is A -> [B, C], C -> [D].
func sampleTree() *scriptedLister {
	return newScriptedLister().
		on("", "", Page{Items: []*Node{branch("A")}}, nil).
		on("A", "", Page{Items: []*Node{leaf("B"), branch("C")}}, nil).
		on("C", "", Page{Items: []*Node{leaf("D")}}, nil)
}

func TestCrawlBuildsTree(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		totals []int64
	)
	res, err := newTestCrawler(t, sampleTree(), nil, Config{}).Crawl(context.Background(), "space", "", func(total int64) {
		mu.Lock()
		totals = append(totals, total)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Len(t, res.Nodes, 1)
	a := res.Nodes[0]
	require.Equal(t, "A", a.NodeToken)
	require.Equal(t, ChildrenResolved, a.ChildrenState)
	require.Equal(t, []string{"B", "C"}, tokens(a.Children))

	b, c := a.Children[0], a.Children[1]
	require.Nil(t, b.Children)
	require.Empty(t, b.ChildrenState)
	require.Equal(t, ChildrenResolved, c.ChildrenState)
	require.Equal(t, []string{"D"}, tokens(c.Children))

	require.Equal(t, []int64{1, 3, 4}, totals)
	require.EqualValues(t, 4, res.Stats.Items)
	require.EqualValues(t, 3, res.Stats.Pages)
	require.Zero(t, res.Stats.FailedSubtrees)
	require.Equal(t, 4, Count(res.Nodes))
}

func TestCrawlMarksFailedSubtree(t *testing.T) {
	t.Parallel()

	lister := newScriptedLister().
		on("", "", Page{Items: []*Node{branch("A")}}, nil).
		on("A", "", Page{Items: []*Node{leaf("B"), branch("C")}}, nil).
		on("C", "", Page{}, errBroken)

	res, err := newTestCrawler(t, lister, nil, Config{}).Crawl(context.Background(), "space", "", nil)
	require.NoError(t, err)

	a := res.Nodes[0]
	require.Equal(t, []string{"B", "C"}, tokens(a.Children))
	c := a.Children[1]
	require.Equal(t, ChildrenFailed, c.ChildrenState)
	require.Contains(t, c.ChildrenError, "broken")
	require.Nil(t, c.Children)
	require.EqualValues(t, 1, res.Stats.FailedSubtrees)

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"children":`)
	require.Contains(t, string(raw), `"children_state":"failed"`)
}

func TestCrawlMarksPartialListing(t *testing.T) {
	t.Parallel()

	lister := newScriptedLister().
		on("", "", Page{Items: []*Node{branch("A")}}, nil).
		on("A", "", Page{Items: []*Node{leaf("B")}, HasMore: true, PageToken: "p2"}, nil).
		on("A", "p2", Page{}, errBroken)

	res, err := newTestCrawler(t, lister, nil, Config{}).Crawl(context.Background(), "space", "", nil)
	require.NoError(t, err)
	a := res.Nodes[0]
	require.Equal(t, ChildrenPartial, a.ChildrenState)
	require.Equal(t, []string{"B"}, tokens(a.Children))
	require.EqualValues(t, 1, res.Stats.PartialListings)
}

func TestCrawlAbortsOnRateLimitAnywhere(t *testing.T) {
	t.Parallel()

	lister := newScriptedLister().
		on("", "", Page{Items: []*Node{branch("A")}}, nil).
		on("A", "", Page{Items: []*Node{leaf("B"), branch("C")}}, nil).
		on("C", "", Page{}, errThrottled)

	res, err := newTestCrawler(t, lister, nil, Config{RetryAfter: 30 * time.Second}).
		Crawl(context.Background(), "space", "", nil)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	require.ErrorIs(t, err, retry.ErrExhaustedRetries)

	var rl *RateLimitExceededError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, 30*time.Second, rl.RetryAfter)

	wait, ok := RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, wait)
}

func TestCrawlRootFailure(t *testing.T) {
	t.Parallel()

	lister := newScriptedLister().on("", "", Page{}, errBroken)

	_, err := newTestCrawler(t, lister, nil, Config{}).Crawl(context.Background(), "space", "", nil)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "space", fe.SpaceID)
	require.ErrorIs(t, err, errBroken)
	require.False(t, errors.Is(err, ErrRateLimitExceeded))

	_, ok := RetryAfter(err)
	require.False(t, ok)
}

func TestCrawlFromSubtreeRoot(t *testing.T) {
	t.Parallel()

	res, err := newTestCrawler(t, sampleTree(), nil, Config{}).Crawl(context.Background(), "space", "C", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"D"}, tokens(res.Nodes))
}

func TestCrawlIsIdempotent(t *testing.T) {
	t.Parallel()

	lister := sampleTree()
	c := newTestCrawler(t, lister, nil, Config{})

	first, err := c.Crawl(context.Background(), "space", "", nil)
	require.NoError(t, err)
	second, err := c.Crawl(context.Background(), "space", "", nil)
	require.NoError(t, err)

	a, err := json.Marshal(first.Nodes)
	require.NoError(t, err)
	b, err := json.Marshal(second.Nodes)
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))
	require.Equal(t, first.Stats.Items, second.Stats.Items)
}

func TestCrawlBoundsFanOutAndSpacesScheduling(t *testing.T) {
	t.Parallel()

	root := Page{}
	lister := newScriptedLister()
	for _, tok := range []string{"n1", "n2", "n3", "n4", "n5"} {
		root.Items = append(root.Items, branch(tok))
		lister.on(tok, "", Page{Items: []*Node{leaf(tok + "-leaf")}}, nil)
	}
	lister.on("", "", root, nil)
	lister.delay = 10 * time.Millisecond

	sleeper := &recordingSleeper{}
	res, err := newTestCrawler(t, lister, sleeper, Config{Workers: 2, ScheduleDelay: 100 * time.Millisecond}).
		Crawl(context.Background(), "space", "", nil)
	require.NoError(t, err)
	require.Equal(t, 10, Count(res.Nodes))
	require.LessOrEqual(t, lister.maxFlight, 2)
	require.Equal(t, 6, lister.callCount())
	require.Equal(t, []time.Duration{
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
	}, sleeper.recorded())
}

func TestCrawlHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestCrawler(t, sampleTree(), nil, Config{}).Crawl(ctx, "space", "", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNodeJSONShape(t *testing.T) {
	t.Parallel()

	resolved := branch("A")
	resolved.attach(nil, true)
	raw, err := json.Marshal(resolved)
	require.NoError(t, err)
	require.JSONEq(t, `{"node_token":"A","title":"title A","has_child":true,"children":[],"children_state":"resolved"}`, string(raw))

	plain, err := json.Marshal(leaf("B"))
	require.NoError(t, err)
	require.JSONEq(t, `{"node_token":"B","title":"title B","has_child":false}`, string(plain))

	var decoded Node
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, ChildrenResolved, decoded.ChildrenState)
	require.NotNil(t, decoded.Children)
}
