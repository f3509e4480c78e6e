package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/toolmeter/gateway/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllTopics(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllTopics: true}}

	frame := &Frame{Topic: events.TopicToolSettled, Timestamp: time.Now()}
	if !h.shouldSend(client, frame) {
		t.Error("AllTopics client should receive all frames")
	}
}

func TestShouldSend_TopicFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Topics: []events.Topic{events.TopicToolSettled, events.TopicRateDenied},
	}}

	settled := &Frame{Topic: events.TopicToolSettled}
	denied := &Frame{Topic: events.TopicRateDenied}
	reserved := &Frame{Topic: events.TopicToolReserved}

	if !h.shouldSend(client, settled) {
		t.Error("Should receive tool.settled frames")
	}
	if !h.shouldSend(client, denied) {
		t.Error("Should receive rate.denied frames")
	}
	if h.shouldSend(client, reserved) {
		t.Error("Should NOT receive tool.reserved frames")
	}
}

func TestShouldSend_KeyAndToolFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Keys:  []string{"k1"},
		Tools: []string{"search"},
	}}

	match := &Frame{Topic: events.TopicToolSettled, Data: map[string]any{"key": "k1", "tool": "search"}}
	wrongKey := &Frame{Topic: events.TopicToolSettled, Data: map[string]any{"key": "k2", "tool": "search"}}
	wrongTool := &Frame{Topic: events.TopicToolSettled, Data: map[string]any{"key": "k1", "tool": "fetch"}}

	if !h.shouldSend(client, match) {
		t.Error("Should receive matching key+tool frames")
	}
	if h.shouldSend(client, wrongKey) {
		t.Error("Should NOT receive frames for other keys")
	}
	if h.shouldSend(client, wrongTool) {
		t.Error("Should NOT receive frames for other tools")
	}
}

func TestShouldSend_TypedEventData(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Keys: []string{"k1"}}}

	// Typed structs (exported Key/Tool fields) go through the JSON path.
	type settledEvent struct {
		Key  string
		Tool string
	}
	frame := &Frame{Topic: events.TopicToolSettled, Data: settledEvent{Key: "k1", Tool: "search"}}
	if !h.shouldSend(client, frame) {
		t.Error("typed event data with matching Key should pass the filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := testHub()
	// Not running: fill the channel, then one extra must not block.
	for i := 0; i < cap(h.broadcast); i++ {
		h.broadcast <- &Frame{Topic: events.TopicToolSettled}
	}

	done := make(chan struct{})
	go func() {
		h.Broadcast(&Frame{Topic: events.TopicToolSettled})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full channel")
	}
}

func TestAttachForwardsEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	em := events.New()
	detach := h.Attach(em)
	defer detach()

	em.Publish(events.TopicToolSettled, map[string]any{"key": "k1", "tool": "search"})

	deadline := time.After(2 * time.Second)
	for h.totalFrames.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("attached hub never saw the published event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStats(t *testing.T) {
	h := testHub()
	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("fresh hub should report 0 clients, got %v", stats["connectedClients"])
	}
}
