package crawler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
)

var (
	errThrottled = errors.New("throttled")
	errBroken    = errors.New("broken")
)

func classifyTestError(err error) retry.Class {
	switch {
	case errors.Is(err, errThrottled):
		return retry.RetryableRateLimit
	default:
		return retry.Fatal
	}
}

type openGate struct{}

func (openGate) Acquire(ctx context.Context) error { return ctx.Err() }

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func newTestCaller(maxRetries int) *retry.Caller {
	c, err := retry.NewCaller(openGate{}, classifyTestError, &recordingSleeper{}, retry.Config{MaxRetries: maxRetries}, nil)
	if err != nil {
		panic(err)
	}
	return c
}

type response struct {
	page Page
	err  error
}

// scriptedLister serves canned responses keyed by parent and page token.
type scriptedLister struct {
	mu        sync.Mutex
	responses map[string]response
	calls     []ListRequest
	delay     time.Duration
	inFlight  int
	maxFlight int
}

func newScriptedLister() *scriptedLister {
	return &scriptedLister{responses: map[string]response{}}
}

func key(parent, pageToken string) string { return parent + "|" + pageToken }

func (l *scriptedLister) on(parent, pageToken string, page Page, err error) *scriptedLister {
	l.responses[key(parent, pageToken)] = response{page: page, err: err}
	return l
}

func (l *scriptedLister) ListNodes(ctx context.Context, req ListRequest) (Page, error) {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	l.inFlight++
	if l.inFlight > l.maxFlight {
		l.maxFlight = l.inFlight
	}
	resp, ok := l.responses[key(req.ParentToken, req.PageToken)]
	l.mu.Unlock()

	if l.delay > 0 {
		time.Sleep(l.delay)
	}

	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if !ok {
		return Page{}, nil
	}
	return clonePage(resp.page), resp.err
}

func (l *scriptedLister) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// clonePage hands out fresh nodes so repeated crawls never share state.
func clonePage(p Page) Page {
	out := Page{HasMore: p.HasMore, PageToken: p.PageToken}
	for _, n := range p.Items {
		if n == nil {
			out.Items = append(out.Items, nil)
			continue
		}
		cp := *n
		out.Items = append(out.Items, &cp)
	}
	return out
}

func leaf(token string) *Node   { return &Node{NodeToken: token, Title: "title " + token} }
func branch(token string) *Node { return &Node{NodeToken: token, Title: "title " + token, HasChild: true} }

func tokens(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.NodeToken)
	}
	return out
}
