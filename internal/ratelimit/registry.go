package ratelimit

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Hasher digests credentials so the registry never keeps raw tokens as keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Registry hands out one Gate per external credential. Crawls that share a
// credential share its Gate.
type Registry struct {
	cfg    Config
	clock  Clock
	hasher Hasher
	logger *zap.Logger

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewRegistry validates cfg and returns an empty Registry.
func NewRegistry(cfg Config, clock Clock, hasher Hasher, logger *zap.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate gate config: %w", err)
	}
	if clock == nil || hasher == nil {
		return nil, errors.New("rate gate registry requires a clock and a hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		clock:  clock,
		hasher: hasher,
		logger: logger,
		gates:  make(map[string]*Gate),
	}, nil
}

// For returns the Gate bound to credential, creating it on first use.
func (r *Registry) For(credential string) (*Gate, error) {
	if credential == "" {
		return nil, errors.New("credential is required")
	}
	key, err := r.hasher.Hash([]byte(credential))
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[key]; ok {
		return g, nil
	}
	short := key
	if len(short) > 12 {
		short = short[:12]
	}
	g, err := New(r.cfg, r.clock, r.logger.With(zap.String("credential", short)))
	if err != nil {
		return nil, err
	}
	r.gates[key] = g
	r.logger.Debug("rate gate created", zap.String("credential", short), zap.Int("gates", len(r.gates)))
	return g, nil
}

// size reports how many credentials currently own a Gate.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}
