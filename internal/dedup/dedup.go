// Package dedup provides a content-addressed fingerprint cache so repeated
// identical tool calls can be recognized and short-circuited instead of
// re-invoked and re-billed.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/toolmeter/gateway/internal/clock"
)

// Algorithm selects the fingerprint hash.
type Algorithm string

const (
	// Fast produces a short FNV-1a fingerprint, prefixed "fp_".
	Fast Algorithm = "fast"
	// Detailed produces a SHA-256 fingerprint, prefixed "fpd_".
	Detailed Algorithm = "detailed"
)

// Fingerprint canonicalizes payload (recursively sorting object keys) and
// returns a prefixed content hash. Values that fail to marshal fall back to
// their fmt-style representation so a fingerprint is always produced.
func Fingerprint(payload any, algo Algorithm) string {
	canon := canonicalize(payload)
	body, err := json.Marshal(canon)
	if err != nil {
		body = []byte(jsonFallback(payload))
	}

	if algo == Detailed {
		sum := sha256.Sum256(body)
		return "fpd_" + hex.EncodeToString(sum[:])
	}

	h := fnv.New32a()
	_, _ = h.Write(body)
	return "fp_" + hex.EncodeToString(h.Sum(nil))
}

func jsonFallback(v any) string {
	b, _ := json.Marshal(map[string]any{"_unmarshalable": true, "type": typeName(v)})
	return string(b)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return "value"
}

// canonicalize recursively rewrites maps into sorted-key ordering so two
// structurally-equal payloads with differently-ordered keys fingerprint
// identically; encoding/json already sorts map[string]any keys, but nested
// maps typed as map[string]interface{} inside slices need the same pass.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}

// Entry records a previously-seen fingerprint and its recorded outcome.
type Entry struct {
	Fingerprint string
	Result      any
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	HitCount    int
}

// Config controls cache TTL and capacity.
type Config struct {
	TTL      time.Duration
	MaxKeys  int
	Algo     Algorithm
}

// DefaultConfig returns reasonable dedup cache defaults.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, MaxKeys: 100_000, Algo: Fast}
}

// Cache is a capacity- and TTL-bounded fingerprint cache.
type Cache struct {
	cfg Config
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]*Entry
	order   []string // FIFO insertion order for capacity eviction
}

// New creates a Cache.
func New(cfg Config, clk clock.Clock) *Cache {
	if cfg.Algo == "" {
		cfg.Algo = Fast
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{
		cfg:     cfg,
		clk:     clk,
		entries: make(map[string]*Entry),
	}
}

// Check looks up a fingerprint for payload. If found and not expired, it
// returns the recorded entry and true. Otherwise it returns false.
func (c *Cache) Check(payload any) (Entry, bool) {
	fp := Fingerprint(payload, c.cfg.Algo)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		return Entry{}, false
	}
	if c.expired(e) {
		delete(c.entries, fp)
		return Entry{}, false
	}
	e.HitCount++
	e.LastSeenAt = c.clk.Now()
	return *e, true
}

// Record stores result under payload's fingerprint and returns it.
func (c *Cache) Record(payload any, result any) string {
	fp := Fingerprint(payload, c.cfg.Algo)
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp]; !exists {
		if c.cfg.MaxKeys > 0 && len(c.entries) >= c.cfg.MaxKeys {
			c.evictOldestLocked()
		}
		c.order = append(c.order, fp)
	}
	c.entries[fp] = &Entry{
		Fingerprint: fp,
		Result:      result,
		FirstSeenAt: now,
		LastSeenAt:  now,
		HitCount:    0,
	}
	return fp
}

func (c *Cache) expired(e *Entry) bool {
	if c.cfg.TTL <= 0 {
		return false
	}
	return c.clk.Now().Sub(e.LastSeenAt) > c.cfg.TTL
}

// evictOldestLocked drops the oldest surviving entry by FIFO insertion
// order. Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}

// Sweep removes all expired entries. Intended to be called periodically.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of live (not necessarily unexpired) entries tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
