package admission

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

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

// fakeInvoker scripts the downstream tool's behavior.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   int
	result  toolclient.CallResult
	err     error
	blockOn context.Context // when set, CallTool waits for ctx cancellation
}

func (f *fakeInvoker) CallTool(ctx context.Context, name string, args map[string]any) (toolclient.CallResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockOn != nil {
		<-ctx.Done()
		return toolclient.CallResult{}, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	clk      *clock.Mock
	ledger   *ledger.Ledger
	plans    *plan.Resolver
	sessions *session.Manager
	dedup    *dedup.Cache
	tel      *telemetry.Aggregator
	emitter  *events.Emitter
	invoker  *fakeInvoker
	pipe     *Pipeline
}

func newFixture(t *testing.T, cfg Config, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	f := &fixture{
		clk:      clk,
		ledger:   ledger.New(ledger.DefaultConfig(), clk),
		plans:    plan.New(clk.Now),
		sessions: session.New(session.DefaultConfig(), clk),
		dedup:    dedup.New(dedup.Config{TTL: time.Minute, MaxKeys: 100}, clk),
		tel:      telemetry.New(telemetry.Config{MaxRecords: 100}, clk),
		emitter:  events.New(),
		invoker:  &fakeInvoker{result: toolclient.CallResult{Content: "ok"}},
	}
	t.Cleanup(f.ledger.Stop)
	if limiter != nil {
		t.Cleanup(limiter.Stop)
	}
	f.pipe = New(cfg, Deps{
		Clock:      clk,
		KeyLimiter: limiter,
		Plans:      f.plans,
		Dedup:      f.dedup,
		Ledger:     f.ledger,
		Sessions:   f.sessions,
		Telemetry:  f.tel,
		Invoker:    f.invoker,
		Emitter:    f.emitter,
		Pricer:     PriceTable{Prices: map[string]float64{"search": 5}, Default: 1},
	})
	return f
}

func TestSettledHappyPath(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)

	var settledEvents []SettledEvent
	f.emitter.Subscribe(events.TopicToolSettled, func(ev events.Event) {
		settledEvents = append(settledEvents, ev.Data.(SettledEvent))
	})

	res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search", Args: map[string]any{"q": "go"}})
	if res.State != StateSettled {
		t.Fatalf("state = %s, want SETTLED (err: %v)", res.State, res.Err)
	}
	if res.Credits != 5 {
		t.Errorf("credits = %v, want 5", res.Credits)
	}
	if got := f.ledger.Balance("k1"); got != 95 {
		t.Errorf("balance = %v, want 95", got)
	}
	if got := f.ledger.Available("k1"); got != 95 {
		t.Errorf("available = %v, want 95 (no lingering hold)", got)
	}
	if len(settledEvents) != 1 || settledEvents[0].Settled != 5 {
		t.Errorf("settled events = %+v, want one with Settled=5", settledEvents)
	}
	if s := f.tel.GetSummary(0, telemetry.Filter{}); s.TotalRequests != 1 || s.TotalErrors != 0 {
		t.Errorf("telemetry = %+v, want 1 request, 0 errors", s)
	}
}

func TestMultiplierRoundsUp(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)
	if _, err := f.plans.CreatePlan(plan.Plan{Name: "premium", CreditMultiplier: 1.5}); err != nil {
		t.Fatal(err)
	}
	if err := f.plans.AssignKey("k1", "premium"); err != nil {
		t.Fatal(err)
	}

	res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search", Args: nil})
	// ceil(5 * 1.5) = 8
	if res.Credits != 8 {
		t.Errorf("credits = %v, want 8", res.Credits)
	}
}

func TestPlanACLDenied(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)
	if _, err := f.plans.CreatePlan(plan.Plan{Name: "free", DeniedTools: map[string]struct{}{"dangerous": {}}}); err != nil {
		t.Fatal(err)
	}
	if err := f.plans.AssignKey("k1", "free"); err != nil {
		t.Fatal(err)
	}

	res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "dangerous"})
	if res.State != StateDenied {
		t.Fatalf("state = %s, want DENIED", res.State)
	}
	if res.Err == nil || res.Err.StatusCode != http.StatusForbidden {
		t.Errorf("err = %+v, want 403", res.Err)
	}
	if f.invoker.callCount() != 0 {
		t.Error("tool must not be invoked on ACL denial")
	}
	if got := f.ledger.Balance("k1"); got != 100 {
		t.Errorf("balance = %v, want untouched 100", got)
	}
}

func TestRateLimitDenied(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{WindowMs: 1000, MaxRequests: 2, SubWindows: 5}, clock.System{})
	f := newFixture(t, Config{}, limiter)
	f.ledger.SetBalance("k1", 100)

	var denials []RateDeniedEvent
	f.emitter.Subscribe(events.TopicRateDenied, func(ev events.Event) {
		denials = append(denials, ev.Data.(RateDeniedEvent))
	})

	// Distinct args per call so the dedup cache does not short-circuit them.
	for i := 0; i < 2; i++ {
		if res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search", Args: map[string]any{"n": i}}); res.State != StateSettled {
			t.Fatalf("call %d: state = %s, want SETTLED", i, res.State)
		}
	}
	res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search"})
	if res.State != StateDenied {
		t.Fatalf("state = %s, want DENIED", res.State)
	}
	if res.Err.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", res.Err.StatusCode)
	}
	if res.Err.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want >= 1s", res.Err.RetryAfter)
	}
	if len(denials) != 1 {
		t.Errorf("rate.denied events = %d, want 1", len(denials))
	}
}

func TestInsufficientBalance(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 3) // search costs 5

	res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search"})
	if res.State != StateErrorReserve {
		t.Fatalf("state = %s, want ERROR_RESERVE", res.State)
	}
	if res.Err.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", res.Err.StatusCode)
	}
	if f.invoker.callCount() != 0 {
		t.Error("tool must not be invoked when reservation fails")
	}
}

func TestInvokeErrorReleasesHold(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)
	f.invoker.err = errors.New("child crashed")

	var failures []FailedEvent
	f.emitter.Subscribe(events.TopicToolFailed, func(ev events.Event) {
		failures = append(failures, ev.Data.(FailedEvent))
	})

	res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search"})
	if res.State != StateErrorInvoke {
		t.Fatalf("state = %s, want ERROR_INVOKE", res.State)
	}
	if got := f.ledger.Balance("k1"); got != 100 {
		t.Errorf("balance = %v, want 100 (release leaves balance untouched)", got)
	}
	if got := f.ledger.Available("k1"); got != 100 {
		t.Errorf("available = %v, want 100 (hold released)", got)
	}
	if len(failures) != 1 || failures[0].Timeout {
		t.Errorf("failed events = %+v, want one non-timeout failure", failures)
	}
	if s := f.tel.GetSummary(0, telemetry.Filter{}); s.TotalErrors != 1 {
		t.Errorf("telemetry errors = %d, want 1", s.TotalErrors)
	}
}

func TestToolErrorResultReleasesHold(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)
	f.invoker.result = toolclient.CallResult{IsError: true}

	res := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search"})
	if res.State != StateErrorInvoke {
		t.Fatalf("state = %s, want ERROR_INVOKE", res.State)
	}
	if got := f.ledger.Available("k1"); got != 100 {
		t.Errorf("available = %v, want 100", got)
	}
}

func TestTimeoutReleasesHold(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)
	f.invoker.blockOn = context.Background()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := f.pipe.Execute(ctx, Request{Key: "k1", Tool: "search"})
	if res.State != StateTimeout {
		t.Fatalf("state = %s, want TIMEOUT", res.State)
	}
	if res.Err.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", res.Err.StatusCode)
	}
	if got := f.ledger.Available("k1"); got != 100 {
		t.Errorf("available = %v, want 100 (hold released on timeout)", got)
	}
}

func TestDuplicateReturnsPriorOutcome(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)

	args := map[string]any{"q": "go", "page": float64(2)}
	first := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search", Args: args})
	if first.State != StateSettled {
		t.Fatalf("first call state = %s, want SETTLED", first.State)
	}

	// Same payload with different key order must hit the cache.
	second := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search", Args: map[string]any{"page": float64(2), "q": "go"}})
	if !second.Duplicate || second.State != StateDedupResolved {
		t.Fatalf("second call = %+v, want duplicate DEDUP_RESOLVED", second)
	}
	if second.Credits != first.Credits || second.Content != first.Content {
		t.Errorf("duplicate should carry the prior outcome, got %+v", second)
	}
	if f.invoker.callCount() != 1 {
		t.Errorf("invoker called %d times, want 1", f.invoker.callCount())
	}
	if got := f.ledger.Balance("k1"); got != 95 {
		t.Errorf("balance = %v, want 95 (charged once)", got)
	}

	// After the TTL the same payload is fresh again.
	f.clk.Advance(2 * time.Minute)
	third := f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "search", Args: args})
	if third.Duplicate {
		t.Error("expired fingerprint should not count as duplicate")
	}
}

func TestSessionRollup(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.ledger.SetBalance("k1", 100)

	sess, err := f.sessions.CreateSession(session.CreateRequest{Key: "k1"})
	if err != nil {
		t.Fatal(err)
	}

	res := f.pipe.Execute(context.Background(), Request{Key: "k1", SessionID: sess.ID, Tool: "search"})
	if res.State != StateSettled {
		t.Fatalf("state = %s, want SETTLED", res.State)
	}

	report, err := f.sessions.GetSessionReport(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalCalls != 1 || report.TotalCredits != 5 {
		t.Errorf("session report = %+v, want 1 call / 5 credits", report)
	}
}

func TestValidationFailures(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	res := f.pipe.Execute(context.Background(), Request{Key: "", Tool: "search"})
	if res.State != StateDenied || res.Err.Kind != KindValidation {
		t.Errorf("missing key: got %+v, want validation denial", res)
	}

	res = f.pipe.Execute(context.Background(), Request{Key: "k1", Tool: "no spaces allowed"})
	if res.State != StateDenied || res.Err.Kind != KindValidation {
		t.Errorf("bad tool name: got %+v, want validation denial", res)
	}
	if f.invoker.callCount() != 0 {
		t.Error("validation failures must not reach the tool")
	}
}
