// Package eventsink delivers admission lifecycle events to registered
// HTTP endpoints. The gateway treats sinks as black boxes: deliveries are
// fire-and-forget with bounded retries, and a sink that keeps failing is
// disabled rather than allowed to back up the pipeline.
package eventsink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolmeter/gateway/internal/events"
	"github.com/toolmeter/gateway/internal/idgen"
	"github.com/toolmeter/gateway/internal/metrics"
	"github.com/toolmeter/gateway/internal/retry"
	"github.com/toolmeter/gateway/internal/security"
)

var (
	ErrSinkNotFound = errors.New("event sink not found")
	ErrInvalidURL   = errors.New("invalid sink URL")
)

// maxConsecutiveFailures disables a sink once reached.
const maxConsecutiveFailures = 10

// maxConcurrentDeliveries bounds in-flight HTTP posts across all sinks.
const maxConcurrentDeliveries = 50

// Subscription is one registered delivery endpoint.
type Subscription struct {
	ID                  string         `json:"id"`
	URL                 string         `json:"url"`
	Secret              string         `json:"-"` // used for HMAC signing
	Topics              []events.Topic `json:"topics"` // empty = all topics
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"createdAt"`
	LastSuccess         *time.Time     `json:"lastSuccess,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

func (s *Subscription) wants(topic events.Topic) bool {
	if len(s.Topics) == 0 {
		return true
	}
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Delivery is the JSON body posted to a sink.
type Delivery struct {
	ID        string       `json:"id"`
	Topic     events.Topic `json:"topic"`
	Timestamp time.Time    `json:"timestamp"`
	Data      any          `json:"data"`
}

// Config tunes delivery behavior.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	AllowLocal  bool // skip SSRF validation; tests and demo mode only
}

// DefaultConfig returns reasonable sink defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Sink manages subscriptions and delivers events to them.
type Sink struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	sem    chan struct{}

	mu   sync.RWMutex
	subs map[string]*Subscription

	wg sync.WaitGroup
}

// New creates a Sink.
func New(cfg Config, logger *slog.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sem:    make(chan struct{}, maxConcurrentDeliveries),
		subs:   make(map[string]*Subscription),
	}
}

// Register adds a delivery endpoint for the given topics (empty = all).
func (s *Sink) Register(url, secret string, topics []events.Topic) (*Subscription, error) {
	if !s.cfg.AllowLocal {
		if err := security.ValidateEndpointURL(url); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sink_"),
		URL:       url,
		Secret:    secret,
		Topics:    topics,
		Active:    true,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()

	cp := *sub
	return &cp, nil
}

// Remove deletes a subscription by id.
func (s *Sink) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrSinkNotFound
	}
	delete(s.subs, id)
	return nil
}

// List returns all subscriptions sorted by creation time, newest first.
func (s *Sink) List() []*Subscription {
	s.mu.RLock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		cp := *sub
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Attach subscribes the sink to every admission topic on em, delivering
// asynchronously. Returns a detach function.
func (s *Sink) Attach(em *events.Emitter) func() {
	topics := []events.Topic{
		events.TopicToolReserved,
		events.TopicToolSettled,
		events.TopicToolFailed,
		events.TopicReservationExpired,
		events.TopicRateDenied,
	}
	unsubs := make([]events.Unsubscribe, 0, len(topics))
	for _, topic := range topics {
		unsubs = append(unsubs, em.SubscribeAsync(topic, s.handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// handle fans one event out to every matching active subscription.
func (s *Sink) handle(ev events.Event) {
	s.mu.RLock()
	targets := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.Active && sub.wants(ev.Topic) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		d := Delivery{
			ID:        "dlv_" + uuid.NewString(),
			Topic:     ev.Topic,
			Timestamp: time.Now(),
			Data:      ev.Data,
		}
		s.wg.Add(1)
		go func(sub *Subscription) {
			defer s.wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.deliver(sub, d)
		}(sub)
	}
}

func (s *Sink) deliver(sub *Subscription, d Delivery) {
	body, err := json.Marshal(d)
	if err != nil {
		s.logger.Error("event sink marshal failed", "sink", sub.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.MaxAttempts)*s.cfg.Timeout)
	defer cancel()

	err = retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.BaseDelay, func() error {
		return s.post(ctx, sub, body)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[sub.ID]
	if !ok {
		return
	}
	if err != nil {
		metrics.EventDeliveriesTotal.WithLabelValues("error").Inc()
		cur.LastError = err.Error()
		cur.ConsecutiveFailures++
		if cur.ConsecutiveFailures >= maxConsecutiveFailures {
			cur.Active = false
			s.logger.Warn("event sink disabled after repeated failures",
				"sink", cur.ID, "url", cur.URL, "failures", cur.ConsecutiveFailures)
		}
		return
	}
	metrics.EventDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
}

func (s *Sink) post(ctx context.Context, sub *Subscription, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set("X-Gateway-Signature", sign(body, sub.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("sink returned HTTP %d", resp.StatusCode))
	}
	return fmt.Errorf("sink returned HTTP %d", resp.StatusCode)
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Close waits for in-flight deliveries to finish.
func (s *Sink) Close() {
	s.wg.Wait()
}
