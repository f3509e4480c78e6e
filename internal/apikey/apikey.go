// Package apikey manages the gateway's caller credentials.
//
// Authentication model:
// - Caller endpoints require X-API-Key with a valid, non-revoked key
// - Admin endpoints require X-Admin-Key, compared in constant time
// - Raw keys are shown once at creation; only their SHA-256 hash is stored
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toolmeter/gateway/internal/clock"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrKeyRevoked    = errors.New("API key is revoked")
	ErrInvalidName   = errors.New("key name must be 1-100 printable characters")
)

// Overrides are per-key limits layered on top of the assigned plan. Zero
// values mean "inherit from the plan (or the gateway default)".
type Overrides struct {
	RateLimitPerMin int     `json:"rateLimitPerMin,omitempty"`
	MaxPerCall      float64 `json:"maxPerCall,omitempty"`
}

// Key is a caller credential. The raw secret is never stored.
type Key struct {
	ID         string    `json:"id"`
	Hash       string    `json:"-"`
	Name       string    `json:"name"`
	Plan       string    `json:"plan,omitempty"`
	Overrides  Overrides `json:"overrides"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	Revoked    bool      `json:"revoked"`
}

// Registry is the in-memory key store. One instance per process.
type Registry struct {
	clk          clock.Clock
	adminKeyHash string // hex SHA-256 of the admin secret

	mu     sync.RWMutex
	byHash map[string]*Key
	byID   map[string]*Key
}

// NewRegistry creates a Registry. adminKeyHash is the hex-encoded SHA-256
// of the shared secret expected in X-Admin-Key; empty disables the admin
// surface entirely.
func NewRegistry(adminKeyHash string, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{
		clk:          clk,
		adminKeyHash: strings.ToLower(adminKeyHash),
		byHash:       make(map[string]*Key),
		byID:         make(map[string]*Key),
	}
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// HashSecret returns the hex SHA-256 of a secret, the form NewRegistry
// expects for the admin key.
func HashSecret(secret string) string {
	return hashKey(secret)
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// Generate creates a new key with a friendly name. Returns the raw key
// (shown once) and the stored metadata.
func (r *Registry) Generate(name string) (rawKey string, key *Key, err error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 || !printable(name) {
		return "", nil, ErrInvalidName
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	key = &Key{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Name:      name,
		CreatedAt: r.clk.Now(),
	}

	r.mu.Lock()
	r.byHash[key.Hash] = key
	r.byID[key.ID] = key
	r.mu.Unlock()

	return rawKey, key, nil
}

// Validate checks a raw key and returns its metadata. Accepts both bare
// keys and "Bearer sk_..." forms.
func (r *Registry) Validate(raw string) (*Key, error) {
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))

	// Opaque printable identifier, 8-128 bytes.
	if len(raw) < 8 || len(raw) > 128 || !printable(raw) {
		return nil, ErrInvalidAPIKey
	}

	h := hashKey(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byHash[h]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrKeyRevoked
	}
	key.LastUsedAt = r.clk.Now()
	cp := *key
	return &cp, nil
}

// Get returns key metadata by id.
func (r *Registry) Get(id string) (*Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

// List returns all keys sorted by creation time, newest first.
func (r *Registry) List() []*Key {
	r.mu.RLock()
	out := make([]*Key, 0, len(r.byID))
	for _, k := range r.byID {
		cp := *k
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Revoke marks a key revoked. Revocation is permanent.
func (r *Registry) Revoke(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	key.Revoked = true
	return nil
}

// SetPlan records the plan assigned to a key (validation of the plan name
// is the plan resolver's job; this only stores the association for display).
func (r *Registry) SetPlan(id, planName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	key.Plan = planName
	return nil
}

// SetOverrides replaces a key's per-key limit overrides.
func (r *Registry) SetOverrides(id string, o Overrides) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	key.Overrides = o
	return nil
}

// AdminAuth reports whether candidate matches the configured admin key,
// comparing hashes in constant time. Always false when no admin key hash
// is set.
func (r *Registry) AdminAuth(candidate string) bool {
	if r.adminKeyHash == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashKey(candidate)), []byte(r.adminKeyHash)) == 1
}

// Count returns the number of keys, including revoked ones.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
