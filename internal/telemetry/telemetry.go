// Package telemetry is an in-process ring buffer of call records that
// answers latency-percentile and tool-breakdown questions without a
// metrics backend.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/toolmeter/gateway/internal/clock"
)

// CallRecord is one completed (or failed) tool invocation. StatusCode
// follows HTTP conventions; >= 500 counts as an error.
type CallRecord struct {
	Tool       string
	Key        string
	DurationMs float64
	Credits    float64
	StatusCode int
	At         time.Time
}

// IsError reports whether the record counts toward the error rate.
func (r CallRecord) IsError() bool { return r.StatusCode >= 500 }

// Config bounds the ring buffer.
type Config struct {
	MaxRecords int
}

// DefaultConfig returns reasonable aggregator defaults.
func DefaultConfig() Config {
	return Config{MaxRecords: 10_000}
}

// Aggregator is a fixed-capacity ring buffer of call records.
type Aggregator struct {
	cfg Config
	clk clock.Clock

	mu      sync.Mutex
	records []CallRecord // ring; len grows to cap(MaxRecords) then wraps
	next    int          // next write position once full
	full    bool
}

// New creates an Aggregator.
func New(cfg Config, clk clock.Clock) *Aggregator {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10_000
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Aggregator{
		cfg:     cfg,
		clk:     clk,
		records: make([]CallRecord, 0, cfg.MaxRecords),
	}
}

// Record appends a call record, overwriting the oldest once at capacity.
func (a *Aggregator) Record(r CallRecord) {
	if r.At.IsZero() {
		r.At = a.clk.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.records) < a.cfg.MaxRecords {
		a.records = append(a.records, r)
		return
	}
	a.records[a.next] = r
	a.next = (a.next + 1) % a.cfg.MaxRecords
	a.full = true
}

// Filter restricts a summary to one tool and/or one key. Empty fields
// match everything.
type Filter struct {
	Tool string
	Key  string
}

func (f Filter) matches(r CallRecord) bool {
	if f.Tool != "" && r.Tool != f.Tool {
		return false
	}
	if f.Key != "" && r.Key != f.Key {
		return false
	}
	return true
}

// filteredLocked returns records within the trailing window that match f.
// window <= 0 means no time bound. Caller must hold a.mu.
func (a *Aggregator) filteredLocked(window time.Duration, f Filter) []CallRecord {
	var cutoff time.Time
	if window > 0 {
		cutoff = a.clk.Now().Add(-window)
	}
	out := make([]CallRecord, 0, len(a.records))
	for _, r := range a.records {
		if window > 0 && r.At.Before(cutoff) {
			continue
		}
		if !f.matches(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Summary is an aggregate view over records in a window.
type Summary struct {
	TotalRequests int
	TotalErrors   int
	ErrorRate     float64 // percent, 0-100
	TotalCredits  float64
	AvgMs         float64
	MinMs         float64
	MaxMs         float64
	P50Ms         float64
	P95Ms         float64
	P99Ms         float64
}

// percentileIndex implements the nearest-rank method: ceil(q*N) - 1,
// clamped to [0, N-1].
func percentileIndex(q float64, n int) int {
	if n <= 0 {
		return 0
	}
	idx := int(q*float64(n) + 0.999999999) // ceil via epsilon to dodge float rounding
	idx--
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[percentileIndex(q, len(sorted))]
}

// GetSummary computes counts, error rate, credit totals, and latency
// statistics over records within the trailing window (0 = all retained)
// that match filter.
func (a *Aggregator) GetSummary(window time.Duration, filter Filter) Summary {
	a.mu.Lock()
	records := a.filteredLocked(window, filter)
	a.mu.Unlock()

	var s Summary
	durations := make([]float64, 0, len(records))
	sum := 0.0
	for _, r := range records {
		s.TotalRequests++
		s.TotalCredits += r.Credits
		if r.IsError() {
			s.TotalErrors++
		}
		durations = append(durations, r.DurationMs)
		sum += r.DurationMs
	}
	if s.TotalRequests == 0 {
		return s
	}
	s.ErrorRate = 100 * float64(s.TotalErrors) / float64(s.TotalRequests)
	s.AvgMs = sum / float64(s.TotalRequests)

	sort.Float64s(durations)
	s.MinMs = durations[0]
	s.MaxMs = durations[len(durations)-1]
	s.P50Ms = percentile(durations, 0.50)
	s.P95Ms = percentile(durations, 0.95)
	s.P99Ms = percentile(durations, 0.99)
	return s
}

// ToolBreakdown summarizes calls for a single tool.
type ToolBreakdown struct {
	Tool         string
	Count        int
	ErrorCount   int
	TotalCredits float64
	P50Ms        float64
	P95Ms        float64
}

// GetToolBreakdown groups all retained records by tool, each with its own
// latency percentiles, sorted by descending call count.
func (a *Aggregator) GetToolBreakdown() []ToolBreakdown {
	a.mu.Lock()
	records := a.filteredLocked(0, Filter{})
	a.mu.Unlock()

	byTool := make(map[string][]CallRecord)
	for _, r := range records {
		byTool[r.Tool] = append(byTool[r.Tool], r)
	}

	out := make([]ToolBreakdown, 0, len(byTool))
	for tool, rs := range byTool {
		tb := ToolBreakdown{Tool: tool}
		durations := make([]float64, 0, len(rs))
		for _, r := range rs {
			tb.Count++
			tb.TotalCredits += r.Credits
			if r.IsError() {
				tb.ErrorCount++
			}
			durations = append(durations, r.DurationMs)
		}
		sort.Float64s(durations)
		tb.P50Ms = percentile(durations, 0.50)
		tb.P95Ms = percentile(durations, 0.95)
		out = append(out, tb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}

// Bucket is one time slice of a windowed call summary.
type Bucket struct {
	Start        time.Time
	Count        int
	ErrorCount   int
	AvgLatencyMs float64
	TotalCredits float64
}

// MaxBuckets bounds GetBuckets' output.
const MaxBuckets = 60

// GetBuckets partitions records from the trailing window into at most
// MaxBuckets evenly spaced buckets ending at now.
func (a *Aggregator) GetBuckets(window time.Duration) []Bucket {
	if window <= 0 {
		window = time.Hour
	}
	width := window / MaxBuckets
	if width <= 0 {
		width = time.Millisecond
	}

	a.mu.Lock()
	records := a.filteredLocked(window, Filter{})
	a.mu.Unlock()

	now := a.clk.Now()
	start := now.Add(-window)

	buckets := make([]Bucket, MaxBuckets)
	latencySums := make([]float64, MaxBuckets)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * width)
	}

	for _, r := range records {
		if r.At.Before(start) || r.At.After(now) {
			continue
		}
		idx := int(r.At.Sub(start) / width)
		if idx < 0 {
			continue
		}
		if idx >= MaxBuckets {
			idx = MaxBuckets - 1
		}
		buckets[idx].Count++
		buckets[idx].TotalCredits += r.Credits
		latencySums[idx] += r.DurationMs
		if r.IsError() {
			buckets[idx].ErrorCount++
		}
	}
	for i := range buckets {
		if buckets[i].Count > 0 {
			buckets[i].AvgLatencyMs = latencySums[i] / float64(buckets[i].Count)
		}
	}
	return buckets
}

// Cleanup drops records older than 24 hours, returning the number removed.
func (a *Aggregator) Cleanup() int {
	cutoff := a.clk.Now().Add(-24 * time.Hour)

	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.records[:0]
	removed := 0
	for _, r := range a.records {
		if r.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	a.records = kept
	a.next = len(a.records) % a.cfg.MaxRecords
	a.full = false
	return removed
}

// Len reports the number of records currently retained.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
