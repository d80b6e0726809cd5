// Package dedup answers "have I already forwarded this event?" for both
// relay paths. The cache is the single synchronization point between the
// stream handler and the poller; it is in-memory only and bounded by TTL.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fillrelay/models"
)

// DefaultTTL is the window inside which a fingerprint counts as a duplicate.
const DefaultTTL = time.Hour

// Cache maps event fingerprints to the time they were first emitted.
// Timestamps are never refreshed: the first emission governs the window.
type Cache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Fingerprint derives the deduplication identity of an event. The same
// real-world occurrence must fingerprint identically whichever path or
// field alias carried it. Constituent fields are length-prefixed before
// hashing so a value containing any delimiter cannot collide with a
// differently-split sibling. The kind tag disambiguates the hash but
// carries no identity on its own: an event with no identifying fields
// yields the empty fingerprint however it is tagged, so unrecognized
// frames can never shadow each other.
func Fingerprint(ev *models.NormalizedEvent) string {
	timePart := ""
	if ev.Time != 0 {
		timePart = strconv.FormatInt(ev.Time, 10)
	}
	identity := []string{
		ev.Address,
		ev.TxHash(),
		ev.OrderID(),
		timePart,
		ev.Coin(),
		ev.Price(),
		ev.Size(),
	}

	empty := true
	for _, p := range identity {
		if p != "" {
			empty = false
			break
		}
	}
	if empty {
		return ""
	}

	h := sha256.New()
	for _, p := range append(identity, string(ev.Kind)) {
		fmt.Fprintf(h, "%d:", len(p))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShouldEmit reports whether the event should be forwarded and records it
// if so. Events with an empty fingerprint always pass: dedup fails open
// rather than blocking delivery of something it cannot identify.
func (c *Cache) ShouldEmit(ev *models.NormalizedEvent) bool {
	fp := Fingerprint(ev)
	if fp == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seen, ok := c.seen[fp]; ok && now.Sub(seen) < c.ttl {
		return false
	}
	c.seen[fp] = now
	return true
}

// Sweep drops entries past TTL. It is called opportunistically from both
// paths plus a low-frequency background task, not from a per-entry timer.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for fp, seen := range c.seen {
		if now.Sub(seen) >= c.ttl {
			delete(c.seen, fp)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
