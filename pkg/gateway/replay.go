package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

const (
	defaultReplayTTL  = 5 * time.Minute
	maxReplayEntries  = 10000
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

type replayState int

const (
	// replayReserved means the caller owns the key and must Complete or
	// Release it.
	replayReserved replayState = iota
	replayHit
	replayInFlight
	replayMismatch
	// replayBypass means the key is unset, replay is disabled or the cache is
	// full; the request runs without replay.
	replayBypass
)

type replayEntry struct {
	fingerprint string
	resp        *ChatResponse
	pending     bool
	stored      time.Time
}

// replayCache keeps successful chat responses by idempotency key so a client
// retrying after a dropped connection does not append the turn twice. A key is
// reserved while its first request runs and stays bound to that request's
// fingerprint.
type replayCache struct {
	entries map[string]replayEntry
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
}

// newReplayCache returns nil when ttl is negative, which disables replay.
func newReplayCache(ttl time.Duration) *replayCache {
	if ttl < 0 {
		return nil
	}
	if ttl == 0 {
		ttl = defaultReplayTTL
	}
	return &replayCache{
		entries: make(map[string]replayEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// chatFingerprint hashes the decoded request so a key reused for a different
// message is detected.
func chatFingerprint(req ChatRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reserve claims key for a request with the given fingerprint. On replayHit
// the stored response is returned.
func (c *replayCache) Reserve(key, fingerprint string) (*ChatResponse, replayState) {
	if c == nil || key == "" {
		return nil, replayBypass
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if entry, ok := c.entries[key]; ok {
		switch {
		case entry.fingerprint != fingerprint:
			return nil, replayMismatch
		case entry.pending:
			return nil, replayInFlight
		default:
			return entry.resp, replayHit
		}
	}
	if len(c.entries) >= maxReplayEntries {
		return nil, replayBypass
	}
	c.entries[key] = replayEntry{fingerprint: fingerprint, pending: true, stored: now}
	return nil, replayReserved
}

// Complete stores resp for a key reserved by Reserve.
func (c *replayCache) Complete(key string, resp *ChatResponse) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !entry.pending {
		return
	}
	if resp == nil {
		delete(c.entries, key)
		return
	}
	entry.resp = resp
	entry.pending = false
	entry.stored = c.now()
	c.entries[key] = entry
}

// Release drops a reservation whose request failed so the client may retry.
func (c *replayCache) Release(key string) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && entry.pending {
		delete(c.entries, key)
	}
}

func (c *replayCache) pruneLocked(now time.Time) {
	for k, entry := range c.entries {
		if now.Sub(entry.stored) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of reserved and stored keys.
func (c *replayCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
