package crawler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
)

// DefaultPageSize is the listing page size used when none is configured.
const DefaultPageSize = 50

// Walker drains every page of one parent's children.
type Walker struct {
	lister   PageLister
	caller   Caller
	pageSize int
	logger   *zap.Logger
}

// NewWalker returns a Walker issuing listing calls through caller.
func NewWalker(lister PageLister, caller Caller, pageSize int, logger *zap.Logger) (*Walker, error) {
	if lister == nil || caller == nil {
		return nil, errors.New("walker requires a page lister and a caller")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{lister: lister, caller: caller, pageSize: pageSize, logger: logger}, nil
}

// ListChildren returns the children of parent in arrival order. An empty
// parent lists the space root. report, when set, receives the number of
// valid items of each page as it arrives.
//
// Rate-limit exhaustion and cancellation are returned as errors. Any other
// failure after at least one item arrived yields the items collected so far
// with complete set to false; with nothing collected the error is returned.
func (w *Walker) ListChildren(
	ctx context.Context,
	space, parent string,
	report func(items int),
) ([]*Node, bool, error) {
	req := ListRequest{SpaceID: space, ParentToken: parent, PageSize: w.pageSize}
	var nodes []*Node
	for {
		var page Page
		err := w.caller.Call(ctx, func(ctx context.Context) error {
			p, err := w.lister.ListNodes(ctx, req)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			if retry.IsRateLimitExhausted(err) || ctx.Err() != nil {
				return nil, false, err
			}
			return w.stopEarly(space, parent, nodes, err)
		}

		valid := 0
		for _, item := range page.Items {
			if item == nil || item.NodeToken == "" {
				continue
			}
			nodes = append(nodes, item)
			valid++
		}
		if dropped := len(page.Items) - valid; dropped > 0 {
			w.logger.Debug("dropped listing items without node_token",
				zap.String("space_id", space),
				zap.String("node_token", parent),
				zap.Int("dropped", dropped),
			)
		}
		if report != nil {
			report(valid)
		}
		if !page.HasMore {
			return nodes, true, nil
		}
		if page.PageToken == "" {
			return w.stopEarly(space, parent, nodes, ErrMissingPageToken)
		}
		req.PageToken = page.PageToken
	}
}

// stopEarly ends a listing that cannot continue: the items collected so far
// are kept as a partial result, or err is returned when there are none.
func (w *Walker) stopEarly(space, parent string, nodes []*Node, err error) ([]*Node, bool, error) {
	if len(nodes) == 0 {
		return nil, false, err
	}
	w.logger.Warn("listing stopped early, keeping partial children",
		zap.String("space_id", space),
		zap.String("node_token", parent),
		zap.Int("items", len(nodes)),
		zap.Error(err),
	)
	return nodes, false, nil
}
