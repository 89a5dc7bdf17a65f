package crawler

import (
	"context"
	"encoding/json"
	"time"
)

// ChildState describes how far the children of a has_child node were resolved.
type ChildState string

// Child resolution states. Nodes without children carry no state.
const (
	ChildrenUnresolved ChildState = "unresolved"
	ChildrenResolved   ChildState = "resolved"
	ChildrenPartial    ChildState = "partial"
	ChildrenFailed     ChildState = "failed"
)

// Node is one wiki entry. Wire fields are carried through verbatim from the
// listing API; Children is populated by the crawler after the subtree resolves.
type Node struct {
	SpaceID         string `json:"space_id,omitempty"`
	NodeToken       string `json:"node_token"`
	ObjToken        string `json:"obj_token,omitempty"`
	ObjType         string `json:"obj_type,omitempty"`
	ParentNodeToken string `json:"parent_node_token,omitempty"`
	NodeType        string `json:"node_type,omitempty"`
	OriginNodeToken string `json:"origin_node_token,omitempty"`
	OriginSpaceID   string `json:"origin_space_id,omitempty"`
	HasChild        bool   `json:"has_child"`
	Title           string `json:"title,omitempty"`
	ObjCreateTime   string `json:"obj_create_time,omitempty"`
	ObjEditTime     string `json:"obj_edit_time,omitempty"`
	NodeCreateTime  string `json:"node_create_time,omitempty"`
	Creator         string `json:"creator,omitempty"`
	Owner           string `json:"owner,omitempty"`

	Children      []*Node    `json:"-"`
	ChildrenState ChildState `json:"-"`
	ChildrenError string     `json:"-"`
}

type nodeWire Node

type nodeJSON struct {
	*nodeWire
	Children      *[]*Node   `json:"children,omitempty"`
	ChildrenState ChildState `json:"children_state,omitempty"`
	ChildrenError string     `json:"children_error,omitempty"`
}

// MarshalJSON emits children (possibly empty) only for resolved or partial nodes.
func (n *Node) MarshalJSON() ([]byte, error) {
	out := nodeJSON{
		nodeWire:      (*nodeWire)(n),
		ChildrenState: n.ChildrenState,
		ChildrenError: n.ChildrenError,
	}
	if n.ChildrenState == ChildrenResolved || n.ChildrenState == ChildrenPartial {
		children := n.Children
		if children == nil {
			children = []*Node{}
		}
		out.Children = &children
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both raw listing items and crawled snapshots.
func (n *Node) UnmarshalJSON(data []byte) error {
	var children []*Node
	in := nodeJSON{nodeWire: (*nodeWire)(n), Children: &children}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	n.Children = children
	n.ChildrenState = in.ChildrenState
	n.ChildrenError = in.ChildrenError
	return nil
}

func (n *Node) attach(children []*Node, complete bool) {
	if children == nil {
		children = []*Node{}
	}
	n.Children = children
	n.ChildrenState = ChildrenResolved
	if !complete {
		n.ChildrenState = ChildrenPartial
	}
}

func (n *Node) markFailed(err error) {
	n.Children = nil
	n.ChildrenState = ChildrenFailed
	n.ChildrenError = err.Error()
}

// Count returns the number of nodes in the forest, descendants included.
func Count(nodes []*Node) int {
	total := 0
	for _, n := range nodes {
		if n == nil {
			continue
		}
		total += 1 + Count(n.Children)
	}
	return total
}

// Page is one response of the listing API.
type Page struct {
	Items     []*Node `json:"items"`
	HasMore   bool    `json:"has_more"`
	PageToken string  `json:"page_token,omitempty"`
}

// ListRequest addresses one page of a parent's children. An empty
// ParentToken lists the space root; an empty PageToken asks for the first page.
type ListRequest struct {
	SpaceID     string
	ParentToken string
	PageToken   string
	PageSize    int
}

// PageLister performs a single listing call against the remote API.
type PageLister interface {
	ListNodes(ctx context.Context, req ListRequest) (Page, error)
}

// Caller runs a remote operation with rate gating and retries.
type Caller interface {
	Call(ctx context.Context, op func(ctx context.Context) error) error
}

// Sleeper pauses between scheduling subtree tasks.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}
