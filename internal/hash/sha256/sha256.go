// Package sha256 digests user access tokens so that rate gates and cache keys
// never hold a raw credential.
package sha256

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements ratelimit.Hasher and service.Hasher. Without a key it is
// plain SHA-256; with one it is HMAC-SHA256, which keeps digests stored in a
// shared cache from being matched against guessed tokens.
type Hasher struct {
	key []byte
}

// New returns an unkeyed hasher.
func New() *Hasher {
	return &Hasher{}
}

// NewKeyed returns an HMAC-SHA256 hasher. An empty key behaves like New.
func NewKeyed(key []byte) *Hasher {
	if len(key) == 0 {
		return New()
	}
	return &Hasher{key: append([]byte(nil), key...)}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(h.key) == 0 {
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
	mac := hmac.New(sha256.New, h.key)
	_, _ = mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
