// Package adminapi is the gateway's HTTP surface: the caller channel
// (POST /mcp) and the admin provisioning endpoints (keys, plans, credits,
// sessions, sinks, reports). The admission pipeline itself lives in
// internal/admission; handlers here only translate HTTP to component
// calls.
package adminapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/toolmeter/gateway/internal/admission"
	"github.com/toolmeter/gateway/internal/apikey"
	"github.com/toolmeter/gateway/internal/clock"
	"github.com/toolmeter/gateway/internal/eventsink"
	"github.com/toolmeter/gateway/internal/health"
	"github.com/toolmeter/gateway/internal/ledger"
	"github.com/toolmeter/gateway/internal/metrics"
	"github.com/toolmeter/gateway/internal/plan"
	"github.com/toolmeter/gateway/internal/ratelimit"
	"github.com/toolmeter/gateway/internal/realtime"
	"github.com/toolmeter/gateway/internal/security"
	"github.com/toolmeter/gateway/internal/session"
	"github.com/toolmeter/gateway/internal/telemetry"
	"github.com/toolmeter/gateway/internal/validation"
)

// Config controls the HTTP surface.
type Config struct {
	Env            string
	AdminRateLimit int // admin requests/min per client IP; 0 disables
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// Deps are the components the handlers call into.
type Deps struct {
	Clock     clock.Clock
	Keys      *apikey.Registry
	Plans     *plan.Resolver
	Ledger    *ledger.Ledger
	Sessions  *session.Manager
	Telemetry *telemetry.Aggregator
	Pipeline  *admission.Pipeline
	Health    *health.Registry
	Hub       *realtime.Hub
	Sink      *eventsink.Sink
	Tools     ToolLister
	Logger    *slog.Logger
}

// Server wires the gin router over the gateway components.
type Server struct {
	cfg  Config
	deps Deps

	adminLimiter *ratelimit.Limiter
}

// New creates a Server. When cfg.AdminRateLimit > 0 an internal per-IP
// sliding-window limiter guards the admin group; /health is registered
// outside it and is never limited.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	s := &Server{cfg: cfg, deps: deps}
	if cfg.AdminRateLimit > 0 {
		s.adminLimiter = ratelimit.New(ratelimit.Config{
			WindowMs:    60_000,
			MaxRequests: cfg.AdminRateLimit,
			SubWindows:  6,
			MaxKeys:     10_000,
		}, deps.Clock)
	}
	return s
}

// Close stops the server's internal limiter.
func (s *Server) Close() {
	if s.adminLimiter != nil {
		s.adminLimiter.Stop()
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(accessLogMiddleware(s.cfg.Env))
	r.Use(metrics.Middleware())
	r.Use(security.HeadersMiddleware())
	r.Use(cors.New(corsConfig(s.cfg.AllowedOrigins)))
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	// Never rate-limited, never authenticated.
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", metrics.Handler())

	// Caller channel.
	caller := r.Group("/", s.callerAuth())
	caller.POST("/mcp", s.handleMCP)

	// Admin surface.
	admin := r.Group("/", s.adminRateLimit(), s.adminAuth())
	{
		admin.POST("/keys", s.handleCreateKey)
		admin.GET("/keys", s.handleListKeys)
		admin.GET("/keys/:id", s.handleGetKey)
		admin.DELETE("/keys/:id", s.handleRevokeKey)
		admin.PUT("/keys/:id/plan", s.handleAssignPlan)
		admin.PUT("/keys/:id/overrides", s.handleSetOverrides)
		admin.PUT("/keys/:id/credits", s.handleSetBalance)
		admin.GET("/keys/:id/credits", s.handleGetBalance)
		admin.GET("/keys/:id/report", s.handleKeyReport)

		admin.POST("/plans", s.handleCreatePlan)
		admin.GET("/plans", s.handleListPlans)
		admin.GET("/plans/:name", s.handleGetPlan)
		admin.DELETE("/plans/:name", s.handleDeletePlan)

		admin.POST("/sessions", s.handleCreateSession)
		admin.GET("/sessions/:id", s.handleGetSession)
		admin.POST("/sessions/:id/end", s.handleEndSession)
		admin.GET("/sessions/:id/report", s.handleSessionReport)

		admin.POST("/sinks", s.handleCreateSink)
		admin.GET("/sinks", s.handleListSinks)
		admin.DELETE("/sinks/:id", s.handleDeleteSink)

		admin.GET("/status", s.handleStatus)
		admin.GET("/admin/tool-profitability", s.handleToolProfitability)
		admin.GET("/admin/events/ws", s.handleEventsWS)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "X-API-Key", "X-Admin-Key", "X-Request-ID")
	return cfg
}
