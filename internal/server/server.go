// Package server assembles the gateway: it builds every component from
// config, wires the event bus between them, and runs the HTTP surface
// with graceful shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolmeter/gateway/internal/admission"
	"github.com/toolmeter/gateway/internal/adminapi"
	"github.com/toolmeter/gateway/internal/apikey"
	"github.com/toolmeter/gateway/internal/clock"
	"github.com/toolmeter/gateway/internal/config"
	"github.com/toolmeter/gateway/internal/dedup"
	"github.com/toolmeter/gateway/internal/events"
	"github.com/toolmeter/gateway/internal/eventsink"
	"github.com/toolmeter/gateway/internal/health"
	"github.com/toolmeter/gateway/internal/ledger"
	"github.com/toolmeter/gateway/internal/metrics"
	"github.com/toolmeter/gateway/internal/plan"
	"github.com/toolmeter/gateway/internal/ratelimit"
	"github.com/toolmeter/gateway/internal/realtime"
	"github.com/toolmeter/gateway/internal/session"
	"github.com/toolmeter/gateway/internal/telemetry"
	"github.com/toolmeter/gateway/internal/toolclient"
)

// Server owns every long-lived gateway component.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	clk    clock.Clock

	keys       *apikey.Registry
	plans      *plan.Resolver
	ledger     *ledger.Ledger
	sessions   *session.Manager
	dedupCache *dedup.Cache
	telemetry  *telemetry.Aggregator
	keyLimiter *ratelimit.Limiter
	ipLimiter  *ratelimit.Limiter
	emitter    *events.Emitter
	sink       *eventsink.Sink
	hub        *realtime.Hub
	tools      *toolclient.Client
	pipeline   *admission.Pipeline
	api        *adminapi.Server

	httpSrv    *http.Server
	detachers  []func()
	cancelRun  context.CancelFunc
}

// Option customizes Server construction.
type Option func(*Server)

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock injects a time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clk = clk }
}

// errInvoker stands in when no downstream tool command is configured.
type errInvoker struct{}

func (errInvoker) CallTool(ctx context.Context, name string, args map[string]any) (toolclient.CallResult, error) {
	return toolclient.CallResult{}, errors.New("no downstream tool server configured")
}

// New builds all components from cfg and wires them together.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		clk:    clock.System{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.keys = apikey.NewRegistry(cfg.AdminKeyHash, s.clk)
	s.plans = plan.New(s.clk.Now)
	s.ledger = ledger.New(ledger.Config{
		DefaultTTL:            time.Duration(cfg.LedgerDefaultTTLSeconds) * time.Second,
		MaxReservationsPerKey: cfg.LedgerMaxReservationsPerKey,
		MaxReservationAmount:  cfg.LedgerMaxReservationAmount,
		AutoExpireInterval:    time.Duration(cfg.LedgerAutoExpireIntervalMs) * time.Millisecond,
	}, s.clk)
	s.sessions = session.New(session.Config{
		MaxActiveSessions: cfg.SessionMaxActive,
		DefaultTTL:        time.Duration(cfg.SessionTTLMs) * time.Millisecond,
	}, s.clk)
	s.dedupCache = dedup.New(dedup.Config{
		TTL:     time.Duration(cfg.DedupTTLMs) * time.Millisecond,
		MaxKeys: cfg.DedupMaxKeys,
		Algo:    dedup.Algorithm(cfg.DedupAlgorithm),
	}, s.clk)
	s.telemetry = telemetry.New(telemetry.Config{MaxRecords: cfg.TelemetryMaxRecords}, s.clk)
	s.keyLimiter = ratelimit.New(ratelimit.Config{
		WindowMs:    cfg.RateLimitWindowMs,
		MaxRequests: cfg.RateLimitMaxRequests,
		SubWindows:  cfg.RateLimitSubWindows,
		MaxKeys:     cfg.RateLimitMaxKeys,
	}, s.clk)
	s.ipLimiter = ratelimit.New(ratelimit.Config{
		WindowMs:    cfg.RateLimitWindowMs,
		MaxRequests: cfg.RateLimitMaxRequests,
		SubWindows:  cfg.RateLimitSubWindows,
		MaxKeys:     cfg.RateLimitMaxKeys,
	}, s.clk)
	s.emitter = events.New()
	s.sink = eventsink.New(eventsink.DefaultConfig(), s.logger)
	s.hub = realtime.NewHub(s.logger)

	var invoker admission.ToolInvoker = errInvoker{}
	var lister adminapi.ToolLister
	if cfg.ToolCommand != "" {
		tc, err := toolclient.New(toolclient.Config{
			Command:     cfg.ToolCommand,
			Args:        cfg.ToolArgs,
			CallTimeout: cfg.ToolTimeout,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.tools = tc
		invoker = tc
		lister = tc
	}

	s.pipeline = admission.New(admission.Config{
		ReserveTTLSeconds: cfg.LedgerDefaultTTLSeconds,
	}, admission.Deps{
		Clock:      s.clk,
		KeyLimiter: s.keyLimiter,
		IPLimiter:  s.ipLimiter,
		Plans:      s.plans,
		Dedup:      s.dedupCache,
		Ledger:     s.ledger,
		Sessions:   s.sessions,
		Telemetry:  s.telemetry,
		Invoker:    invoker,
		Emitter:    s.emitter,
		Pricer:     admission.PriceTable{Default: 1},
	})

	s.wireEvents()

	s.api = adminapi.New(adminapi.Config{
		Env:            cfg.Env,
		AdminRateLimit: cfg.AdminRateLimit,
		RequestTimeout: cfg.RequestTimeout,
	}, adminapi.Deps{
		Clock:     s.clk,
		Keys:      s.keys,
		Plans:     s.plans,
		Ledger:    s.ledger,
		Sessions:  s.sessions,
		Telemetry: s.telemetry,
		Pipeline:  s.pipeline,
		Health:    s.healthRegistry(),
		Hub:       s.hub,
		Sink:      s.sink,
		Tools:     lister,
		Logger:    s.logger,
	})

	return s, nil
}

// wireEvents connects the ledger's expiry hook and the terminal-state
// counters to the event bus, and attaches the sink and live feed.
func (s *Server) wireEvents() {
	s.ledger.OnExpire(func(expired []*ledger.Reservation) {
		for _, r := range expired {
			s.emitter.Publish(events.TopicReservationExpired, map[string]any{
				"key":    r.Key,
				"tool":   r.Tool,
				"id":     r.ID,
				"amount": r.Amount,
			})
		}
	})

	counters := map[events.Topic]string{
		events.TopicToolSettled:        "settled",
		events.TopicToolFailed:         "failed",
		events.TopicRateDenied:         "rate_denied",
		events.TopicReservationExpired: "expired",
	}
	for topic, label := range counters {
		label := label
		s.detachers = append(s.detachers, s.emitter.Subscribe(topic, func(events.Event) {
			metrics.ToolCallsTotal.WithLabelValues(label).Inc()
		}))
	}

	s.detachers = append(s.detachers, s.sink.Attach(s.emitter))
	s.detachers = append(s.detachers, s.hub.Attach(s.emitter))
}

func (s *Server) healthRegistry() *health.Registry {
	reg := health.NewRegistry()
	reg.Register("ledger", func(ctx context.Context) health.Status {
		return health.Status{Name: "ledger", Healthy: true}
	})
	reg.Register("dedup", func(ctx context.Context) health.Status {
		return health.Status{Name: "dedup", Healthy: true}
	})
	reg.Register("toolclient", func(ctx context.Context) health.Status {
		st := health.Status{Name: "toolclient", Healthy: s.tools != nil}
		if s.tools == nil {
			st.Detail = "no downstream tool server configured"
		}
		return st
	})
	return reg
}

// Run starts the HTTP server and all background loops, then blocks until
// ctx is cancelled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.api.Router(),
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)
	go s.cleanupLoop(runCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.logger.Error("http server failed", "error", err)
		s.Shutdown()
		return err
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", "context cancelled")
	}

	return s.Shutdown()
}

// cleanupLoop periodically sweeps expired dedup entries, stale sessions,
// and day-old telemetry records.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := s.dedupCache.Sweep()
			sessions := s.sessions.Cleanup(24 * 60 * 60 * 1000)
			records := s.telemetry.Cleanup()
			if swept > 0 || sessions > 0 || records > 0 {
				s.logger.Debug("cleanup pass",
					"dedup", swept, "sessions", sessions, "telemetry", records)
			}
		}
	}
}

// Shutdown stops the HTTP listener and every background component. Safe
// to call once.
func (s *Server) Shutdown() error {
	if s.cancelRun != nil {
		s.cancelRun()
	}

	var err error
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(shutdownCtx)
	}

	for _, detach := range s.detachers {
		detach()
	}
	s.ledger.Stop()
	s.keyLimiter.Stop()
	s.ipLimiter.Stop()
	s.api.Close()
	s.sink.Close()
	if s.tools != nil {
		_ = s.tools.Close()
	}

	s.logger.Info("gateway stopped")
	return err
}
