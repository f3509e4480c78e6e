package eventsink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/toolmeter/gateway/internal/events"
)

func testConfig() Config {
	return Config{
		Timeout:     2 * time.Second,
		MaxAttempts: 2,
		BaseDelay:   10 * time.Millisecond,
		AllowLocal:  true,
	}
}

func TestDeliversMatchingTopics(t *testing.T) {
	var mu sync.Mutex
	var got []Delivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var d Delivery
		if err := json.Unmarshal(body, &d); err != nil {
			t.Errorf("bad delivery body: %v", err)
		}
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := New(testConfig(), nil)
	if _, err := sink.Register(srv.URL, "", []events.Topic{events.TopicToolSettled}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	em := events.New()
	detach := sink.Attach(em)
	defer detach()

	em.Publish(events.TopicToolSettled, map[string]any{"tool": "search"})
	em.Publish(events.TopicRateDenied, map[string]any{"key": "k1"}) // filtered out

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1 (topic filter)", len(got))
	}
	if got[0].Topic != events.TopicToolSettled || got[0].ID == "" {
		t.Errorf("delivery = %+v, want tool.settled with an id", got[0])
	}
}

func TestSignsPayload(t *testing.T) {
	var sigHeader string
	var body []byte
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigHeader = r.Header.Get("X-Gateway-Signature")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	sink := New(testConfig(), nil)
	if _, err := sink.Register(srv.URL, "topsecret", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	em := events.New()
	defer sink.Attach(em)()
	em.Publish(events.TopicToolFailed, map[string]any{"reason": "crash"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	sink.Close()

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sigHeader != want {
		t.Errorf("signature = %q, want %q", sigHeader, want)
	}
}

func TestDisablesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound) // permanent, no retries
	}))
	defer srv.Close()

	sink := New(testConfig(), nil)
	sub, err := sink.Register(srv.URL, "", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	em := events.New()
	defer sink.Attach(em)()

	for i := 0; i < maxConsecutiveFailures; i++ {
		em.Publish(events.TopicToolSettled, map[string]any{"n": i})
		// serialize deliveries so failure counting is deterministic
		time.Sleep(5 * time.Millisecond)
		sink.Close()
	}

	deadline := time.After(2 * time.Second)
	for {
		subs := sink.List()
		if len(subs) == 1 && !subs[0].Active {
			if subs[0].ID != sub.ID || subs[0].ConsecutiveFailures < maxConsecutiveFailures {
				t.Errorf("subscription = %+v, want disabled original", subs[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sink never disabled: %+v", sink.List())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRegisterRejectsUnsafeURL(t *testing.T) {
	cfg := testConfig()
	cfg.AllowLocal = false
	sink := New(cfg, nil)

	if _, err := sink.Register("http://127.0.0.1:9999/hook", "", nil); err == nil {
		t.Error("loopback URL should be rejected when AllowLocal is off")
	}
	if _, err := sink.Register("ftp://example.com/hook", "", nil); err == nil {
		t.Error("non-http scheme should be rejected")
	}
}

func TestRemove(t *testing.T) {
	sink := New(testConfig(), nil)
	sub, _ := sink.Register("http://example.invalid/hook", "", nil)

	if err := sink.Remove(sub.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := sink.Remove(sub.ID); err != ErrSinkNotFound {
		t.Errorf("second Remove err = %v, want ErrSinkNotFound", err)
	}
}
