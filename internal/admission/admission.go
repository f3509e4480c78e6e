// Package admission orchestrates the per-call pipeline: rate limit, plan
// ACL, dedup, credit reservation, tool invocation, settlement. Each call
// walks a small state machine; once a reservation exists, every exit path
// that does not settle it releases it.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolmeter/gateway/internal/clock"
	"github.com/toolmeter/gateway/internal/dedup"
	"github.com/toolmeter/gateway/internal/events"
	"github.com/toolmeter/gateway/internal/ledger"
	"github.com/toolmeter/gateway/internal/plan"
	"github.com/toolmeter/gateway/internal/ratelimit"
	"github.com/toolmeter/gateway/internal/session"
	"github.com/toolmeter/gateway/internal/telemetry"
	"github.com/toolmeter/gateway/internal/toolclient"
)

var validToolName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

var admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gateway",
	Subsystem: "admission",
	Name:      "calls_total",
	Help:      "Tool calls processed by the admission pipeline, by terminal state.",
}, []string{"state"})

func init() {
	prometheus.MustRegister(admissionsTotal)
}

// State is a position in the per-call state machine.
type State string

const (
	StateInit          State = "INIT"
	StateRateOK        State = "RATE_OK"
	StateACLOK         State = "ACL_OK"
	StateDedupResolved State = "DEDUP_RESOLVED"
	StateReserved      State = "RESERVED"
	StateInvoked       State = "INVOKED"
	StateSettled       State = "SETTLED"
	StateDenied        State = "DENIED"
	StateErrorReserve  State = "ERROR_RESERVE"
	StateErrorInvoke   State = "ERROR_INVOKE"
	StateReleased      State = "RELEASED"
	StateTimeout       State = "TIMEOUT"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAdmission  Kind = "admission"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
)

// Error is a structured pipeline failure carrying the stage's kind, a
// caller-facing reason, and an HTTP-equivalent status code.
type Error struct {
	Kind       Kind
	Reason     string
	StatusCode int
	RetryAfter time.Duration // set for rate-limit denials
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// ToolInvoker is the downstream tool-execution dependency. Satisfied by
// *toolclient.Client.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (toolclient.CallResult, error)
}

// Pricer maps a tool name to its base price in credits.
type Pricer interface {
	BasePrice(tool string) float64
}

// PriceTable is a static Pricer with a fallback for unlisted tools.
type PriceTable struct {
	Prices  map[string]float64
	Default float64
}

// BasePrice returns the table entry for tool, or the default.
func (p PriceTable) BasePrice(tool string) float64 {
	if v, ok := p.Prices[tool]; ok {
		return v
	}
	return p.Default
}

// Config tunes pipeline behavior.
type Config struct {
	ReserveTTLSeconds int // hold TTL passed to the ledger; 0 = ledger default
}

// Deps are the shared components the pipeline composes. KeyLimiter and
// IPLimiter may be nil to bypass that check entirely; Sessions, Telemetry,
// and Emitter may be nil when the corresponding side effect is unwanted
// (tests mostly).
type Deps struct {
	Clock      clock.Clock
	KeyLimiter *ratelimit.Limiter
	IPLimiter  *ratelimit.Limiter
	Plans      *plan.Resolver
	Dedup      *dedup.Cache
	Ledger     *ledger.Ledger
	Sessions   *session.Manager
	Telemetry  *telemetry.Aggregator
	Invoker    ToolInvoker
	Emitter    *events.Emitter
	Pricer     Pricer
}

// Pipeline admits, meters, and settles tool calls.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Pricer == nil {
		deps.Pricer = PriceTable{Default: 1}
	}
	return &Pipeline{cfg: cfg, deps: deps}
}

// Request is one incoming tool call.
type Request struct {
	Key       string // authenticated caller key id
	SourceIP  string // optional; adds a per-IP rate check
	SessionID string // optional; successful calls roll up into this session
	Tool      string
	Args      map[string]any
}

// Result is the outcome of a pipeline run. Err is set for every
// non-SETTLED, non-duplicate terminal state.
type Result struct {
	State          State
	Duplicate      bool
	DuplicateHits  int
	ReservationID  string
	Content        any
	Credits        float64
	LatencyMs      float64
	Err            *Error
}

// cachedOutcome is what the dedup cache stores for a settled call.
type cachedOutcome struct {
	Content any
	Credits float64
}

// ReservedEvent is published on tool.reserved.
type ReservedEvent struct {
	Key           string
	Tool          string
	ReservationID string
	Amount        float64
}

// SettledEvent is published on tool.settled.
type SettledEvent struct {
	Key           string
	Tool          string
	ReservationID string
	Reserved      float64
	Settled       float64
	LatencyMs     float64
}

// FailedEvent is published on tool.failed.
type FailedEvent struct {
	Key           string
	Tool          string
	ReservationID string
	Reason        string
	Timeout       bool
}

// RateDeniedEvent is published on rate.denied.
type RateDeniedEvent struct {
	Key        string
	SourceIP   string
	RetryAfter time.Duration
}

func (p *Pipeline) publish(topic events.Topic, data any) {
	if p.deps.Emitter != nil {
		p.deps.Emitter.Publish(topic, data)
	}
}

func (p *Pipeline) recordMetric(req Request, statusCode int, credits, latencyMs float64) {
	if p.deps.Telemetry != nil {
		p.deps.Telemetry.Record(telemetry.CallRecord{
			Tool:       req.Tool,
			Key:        req.Key,
			DurationMs: latencyMs,
			Credits:    credits,
			StatusCode: statusCode,
		})
	}
}

func fail(state State, err *Error) *Result {
	admissionsTotal.WithLabelValues(string(state)).Inc()
	return &Result{State: state, Err: err}
}

// Execute runs one tool call through the pipeline. The caller's ctx
// deadline bounds the downstream invocation; on timeout after the
// reservation is placed, the hold is released and the call reports
// TIMEOUT.
func (p *Pipeline) Execute(ctx context.Context, req Request) *Result {
	// Validation: no state is mutated before these pass.
	if req.Key == "" {
		return fail(StateDenied, &Error{Kind: KindValidation, Reason: "missing caller key", StatusCode: http.StatusUnauthorized})
	}
	if !validToolName.MatchString(req.Tool) {
		return fail(StateDenied, &Error{Kind: KindValidation, Reason: fmt.Sprintf("invalid tool name %q", req.Tool), StatusCode: http.StatusBadRequest})
	}
	if err := ctx.Err(); err != nil {
		return fail(StateDenied, &Error{Kind: KindTransient, Reason: "cancelled before admission", StatusCode: statusForCtx(err)})
	}

	// Rate limit, per key then per source IP.
	if p.deps.KeyLimiter != nil {
		if d := p.deps.KeyLimiter.Check("key:" + req.Key); !d.Allowed {
			return p.rateDenied(req, d)
		}
	}
	if p.deps.IPLimiter != nil && req.SourceIP != "" {
		if d := p.deps.IPLimiter.Check("ip:" + req.SourceIP); !d.Allowed {
			return p.rateDenied(req, d)
		}
	}

	// Plan ACL.
	if p.deps.Plans != nil {
		if d := p.deps.Plans.IsToolAllowedByPlan(req.Key, req.Tool); !d.Allowed {
			p.recordMetric(req, http.StatusForbidden, 0, 0)
			return fail(StateDenied, &Error{Kind: KindAdmission, Reason: d.Reason, StatusCode: http.StatusForbidden})
		}
	}

	// Dedup: identical payloads within the TTL return the recorded prior
	// outcome without touching the ledger or the tool.
	payload := map[string]any{"key": req.Key, "tool": req.Tool, "args": req.Args}
	if p.deps.Dedup != nil {
		if entry, dup := p.deps.Dedup.Check(payload); dup {
			admissionsTotal.WithLabelValues(string(StateDedupResolved)).Inc()
			res := &Result{State: StateDedupResolved, Duplicate: true, DuplicateHits: entry.HitCount}
			if prior, ok := entry.Result.(cachedOutcome); ok {
				res.Content = prior.Content
				res.Credits = prior.Credits
			}
			return res
		}
	}

	// Reserve credits: ceil(basePrice * plan multiplier).
	multiplier := 1.0
	if p.deps.Plans != nil {
		multiplier = p.deps.Plans.GetCreditMultiplier(req.Key)
	}
	amount := math.Ceil(p.deps.Pricer.BasePrice(req.Tool) * multiplier)

	rr := p.deps.Ledger.Reserve(ledger.ReserveRequest{
		Key:        req.Key,
		Amount:     amount,
		Tool:       req.Tool,
		TTLSeconds: p.cfg.ReserveTTLSeconds,
	})
	if !rr.Success {
		p.recordMetric(req, http.StatusPaymentRequired, 0, 0)
		reason := "reservation rejected"
		if rr.Error != nil {
			reason = rr.Error.Error()
		}
		return fail(StateErrorReserve, &Error{Kind: KindAdmission, Reason: reason, StatusCode: http.StatusPaymentRequired})
	}
	p.publish(events.TopicToolReserved, ReservedEvent{Key: req.Key, Tool: req.Tool, ReservationID: rr.ID, Amount: amount})

	// From here on every exit path must settle or release the hold.
	settled := false
	defer func() {
		if !settled {
			p.deps.Ledger.Release(req.Key, rr.ID)
		}
	}()

	start := p.deps.Clock.Now()
	out, err := p.deps.Invoker.CallTool(ctx, req.Tool, req.Args)
	latency := float64(p.deps.Clock.Now().Sub(start)) / float64(time.Millisecond)

	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, toolclient.ErrCallTimeout) ||
			errors.Is(ctx.Err(), context.DeadlineExceeded)
		state := StateErrorInvoke
		status := http.StatusBadGateway
		if timeout {
			state = StateTimeout
			status = http.StatusGatewayTimeout
		}
		p.recordMetric(req, status, 0, latency)
		p.publish(events.TopicToolFailed, FailedEvent{
			Key: req.Key, Tool: req.Tool, ReservationID: rr.ID,
			Reason: err.Error(), Timeout: timeout,
		})
		return fail(state, &Error{Kind: KindTransient, Reason: err.Error(), StatusCode: status})
	}

	// The tool ran but reported a tool-level error: release, don't charge.
	if out.IsError {
		p.recordMetric(req, http.StatusBadGateway, 0, latency)
		p.publish(events.TopicToolFailed, FailedEvent{
			Key: req.Key, Tool: req.Tool, ReservationID: rr.ID, Reason: "tool reported error",
		})
		return fail(StateErrorInvoke, &Error{Kind: KindTransient, Reason: "tool reported error", StatusCode: http.StatusBadGateway})
	}

	actual := amount
	ok, settleErr := p.deps.Ledger.Settle(req.Key, rr.ID, actual)
	if settleErr != nil || !ok {
		// The hold raced settlement (expired under us). Treat as transient;
		// the deferred release is a no-op on a non-held reservation.
		reason := "reservation no longer held at settlement"
		if settleErr != nil {
			reason = settleErr.Error()
		}
		p.recordMetric(req, http.StatusInternalServerError, 0, latency)
		p.publish(events.TopicToolFailed, FailedEvent{
			Key: req.Key, Tool: req.Tool, ReservationID: rr.ID, Reason: reason,
		})
		return fail(StateErrorInvoke, &Error{Kind: KindTransient, Reason: reason, StatusCode: http.StatusInternalServerError})
	}
	settled = true

	p.recordMetric(req, http.StatusOK, actual, latency)
	if p.deps.Sessions != nil && req.SessionID != "" {
		// Session roll-up is best-effort: an ended session must not undo a
		// settled call.
		_ = p.deps.Sessions.RecordCall(req.SessionID, req.Tool, actual)
	}
	if p.deps.Dedup != nil {
		p.deps.Dedup.Record(payload, cachedOutcome{Content: out.Content, Credits: actual})
	}
	p.publish(events.TopicToolSettled, SettledEvent{
		Key: req.Key, Tool: req.Tool, ReservationID: rr.ID,
		Reserved: amount, Settled: actual, LatencyMs: latency,
	})

	admissionsTotal.WithLabelValues(string(StateSettled)).Inc()
	return &Result{
		State:         StateSettled,
		ReservationID: rr.ID,
		Content:       out.Content,
		Credits:       actual,
		LatencyMs:     latency,
	}
}

func (p *Pipeline) rateDenied(req Request, d ratelimit.Decision) *Result {
	retry := d.RetryAfter
	if retry < time.Second {
		retry = time.Second
	}
	p.recordMetric(req, http.StatusTooManyRequests, 0, 0)
	p.publish(events.TopicRateDenied, RateDeniedEvent{Key: req.Key, SourceIP: req.SourceIP, RetryAfter: retry})
	return fail(StateDenied, &Error{
		Kind:       KindAdmission,
		Reason:     "rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retry,
	})
}

func statusForCtx(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusRequestTimeout
}
