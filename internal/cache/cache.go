// Package cache stores finished crawl trees so repeated requests for the same
// space, root and credential skip the remote walk while the entry is fresh.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports that a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented TTL cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

const keyPrefix = "wikicrawl:tree:"

// TreeKey builds the cache key of a crawl. credential should be a digest of
// the bearer token, never the token itself.
func TreeKey(credential, spaceID, rootToken string) string {
	if rootToken == "" {
		rootToken = "-"
	}
	return keyPrefix + credential + ":" + spaceID + ":" + rootToken
}

// Nop never stores anything.
type Nop struct{}

// Get always misses.
func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }

// Set discards value.
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
