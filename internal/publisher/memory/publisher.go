// Package memory records completion notifications in process, for local runs
// and tests that assert on what would have reached the broker.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/JakeFAU/wiki-tree-crawler/internal/publisher"
)

// Message is one recorded publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every publish in order. The zero value is ready to use.
type Publisher struct {
	mu   sync.Mutex
	log  []Message
	fail error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. Nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Publish records payload under topic. Message IDs are "memory-<n>".
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	id := "memory-" + strconv.Itoa(len(p.log)+1)
	p.log = append(p.log, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.log...)
}

// Completed returns the crawl completion notifications sent to topic.
func (p *Publisher) Completed(topic string) []publisher.CrawlCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publisher.CrawlCompleted
	for _, m := range p.log {
		if m.Topic != topic {
			continue
		}
		switch done := m.Payload.(type) {
		case publisher.CrawlCompleted:
			out = append(out, done)
		case *publisher.CrawlCompleted:
			out = append(out, *done)
		}
	}
	return out
}
