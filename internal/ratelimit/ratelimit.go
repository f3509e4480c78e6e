// Package ratelimit provides a sliding-window request limiter. Each window
// is divided into fixed-size sub-buckets so the limiter doesn't need an
// unbounded timestamp list per identity — only Config.SubWindows counters.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolmeter/gateway/internal/clock"
	"github.com/toolmeter/gateway/internal/syncutil"
)

var (
	allowedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "ratelimit",
		Name:      "allowed_total",
		Help:      "Requests allowed by the rate limiter.",
	})
	deniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "ratelimit",
		Name:      "denied_total",
		Help:      "Requests denied by the rate limiter.",
	})
	trackedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "ratelimit",
		Name:      "tracked_keys",
		Help:      "Number of identities currently tracked by the rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(allowedTotal, deniedTotal, trackedKeys)
}

// Config controls the limiter's window geometry and capacity.
type Config struct {
	WindowMs      int // total window length in milliseconds
	MaxRequests   int // max requests allowed within the window; 0 disables limiting
	SubWindows    int // number of sub-buckets the window is divided into
	MaxKeys       int // max distinct identities tracked at once; 0 = unbounded
	SweepInterval time.Duration
}

// DefaultConfig returns reasonable limiter defaults.
func DefaultConfig() Config {
	return Config{
		WindowMs:      60_000,
		MaxRequests:   600,
		SubWindows:    6,
		MaxKeys:       50_000,
		SweepInterval: time.Minute,
	}
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// bucket holds per-identity sub-window counters.
type bucket struct {
	counts    []int
	slotBase  int64 // sub-window slot index that counts[len-1] currently represents
	lastTouch time.Time
	mu        sync.Mutex
}

// Limiter is a sliding-window rate limiter striped by identity hash.
type Limiter struct {
	cfg    Config
	clk    clock.Clock
	stripe syncutil.ShardedMutex

	mu      sync.RWMutex
	buckets map[string]*bucket

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Limiter and starts its background sweep goroutine.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.SubWindows < 1 {
		cfg.SubWindows = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	l := &Limiter{
		cfg:     cfg,
		clk:     clk,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// subWindowMs is the duration each sub-bucket represents.
func (l *Limiter) subWindowMs() int64 {
	return int64(l.cfg.WindowMs) / int64(l.cfg.SubWindows)
}

// Check records a request attempt for key and reports whether it is allowed.
func (l *Limiter) Check(key string) Decision {
	if l.cfg.MaxRequests <= 0 {
		return Decision{Allowed: true}
	}

	unlock := l.stripe.Lock(key)
	defer unlock()

	b := l.getOrCreate(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clk.Now()
	l.rotate(b, now)

	total := 0
	for _, c := range b.counts {
		total += c
	}

	resetAt := l.windowEnd(b, now)

	if total >= l.cfg.MaxRequests {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	b.counts[len(b.counts)-1]++
	b.lastTouch = now
	allowedTotal.Inc()

	return Decision{
		Allowed:   true,
		Remaining: l.cfg.MaxRequests - total - 1,
		ResetAt:   resetAt,
	}
}

// Allow is a convenience wrapper returning only the admit/deny boolean,
// recording the denial metric when the request is rejected.
func (l *Limiter) Allow(key string) bool {
	d := l.Check(key)
	if !d.Allowed {
		deniedTotal.Inc()
	}
	return d.Allowed
}

// Peek reports the current count without consuming a slot.
func (l *Limiter) Peek(key string) (used, limit int) {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return 0, l.cfg.MaxRequests
	}

	unlock := l.stripe.Lock(key)
	defer unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	l.rotate(b, l.clk.Now())
	total := 0
	for _, c := range b.counts {
		total += c
	}
	return total, l.cfg.MaxRequests
}

// ResetKey clears all tracked state for key.
func (l *Limiter) ResetKey(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

func (l *Limiter) getOrCreate(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if l.cfg.MaxKeys > 0 && len(l.buckets) >= l.cfg.MaxKeys {
		l.evictOldestLocked()
	}
	b = &bucket{
		counts:    make([]int, l.cfg.SubWindows),
		lastTouch: l.clk.Now(),
	}
	l.buckets[key] = b
	trackedKeys.Set(float64(len(l.buckets)))
	return b
}

// evictOldestLocked drops the least-recently-touched identity to make room
// for a new one. Caller must hold l.mu.
func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		b.mu.Lock()
		t := b.lastTouch
		b.mu.Unlock()
		if first || t.Before(oldestTime) {
			oldestKey, oldestTime, first = k, t, false
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// rotate shifts sub-window counters forward to the current time, zeroing
// any sub-buckets that have fully aged out of the window.
func (l *Limiter) rotate(b *bucket, now time.Time) {
	swMs := l.subWindowMs()
	if swMs <= 0 {
		return
	}
	curSlot := now.UnixMilli() / swMs

	shift := curSlot - b.slotBase
	if shift <= 0 {
		return
	}
	if shift >= int64(len(b.counts)) {
		for i := range b.counts {
			b.counts[i] = 0
		}
	} else {
		copy(b.counts, b.counts[shift:])
		for i := len(b.counts) - int(shift); i < len(b.counts); i++ {
			b.counts[i] = 0
		}
	}
	b.slotBase = curSlot
}

// windowEnd returns the time the oldest still-counted sub-window (the oldest
// one with a non-zero count, or the current one if none) leaves the window.
func (l *Limiter) windowEnd(b *bucket, now time.Time) time.Time {
	swMs := l.subWindowMs()
	if swMs <= 0 {
		return now
	}
	n := int64(len(b.counts))
	oldest := n - 1
	for i, c := range b.counts {
		if c > 0 {
			oldest = int64(i)
			break
		}
	}
	oldestSlot := b.slotBase - (n - 1) + oldest
	return time.UnixMilli((oldestSlot + n) * swMs)
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep removes identities that haven't been touched in over 2x the window,
// preventing unbounded memory growth from one-shot callers.
func (l *Limiter) sweep() {
	cutoff := l.clk.Now().Add(-2 * time.Duration(l.cfg.WindowMs) * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastTouch.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, k)
		}
	}
	trackedKeys.Set(float64(len(l.buckets)))
}

// Stop halts the background sweep goroutine. Safe to call once.
func (l *Limiter) Stop() {
	close(l.stop)
	l.wg.Wait()
}
