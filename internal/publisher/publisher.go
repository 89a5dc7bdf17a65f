// Package publisher announces finished crawls to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// Publisher sends a payload to a topic and returns the broker message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CrawlCompleted is published after every crawl that reaches a terminal state.
type CrawlCompleted struct {
	CrawlID     string    `json:"crawl_id"`
	SpaceID     string    `json:"space_id"`
	RootToken   string    `json:"root_token,omitempty"`
	Status      string    `json:"status"`
	Items       int64     `json:"items"`
	Pages       int64     `json:"pages"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Noop drops every message.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, any) (string, error) { return "", nil }
