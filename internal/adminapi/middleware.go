package adminapi

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/toolmeter/gateway/internal/logging"
)

const (
	ctxKeyAPIKey    = "apiKey"
	headerAPIKey    = "X-API-Key"
	headerAdminKey  = "X-Admin-Key"
	headerRequestID = "X-Request-ID"
)

// requestIDMiddleware assigns each request an id, echoing a caller-supplied
// one when present, and threads it into the request context for slog.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// accessLogMiddleware writes one zerolog line per request. This is the
// HTTP access log; component logging stays on slog.
func accessLogMiddleware(env string) gin.HandlerFunc {
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("log", "access").Logger()
	if env == "development" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := zl.Info()
		if c.Writer.Status() >= 500 {
			ev = zl.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Str("request_id", c.Writer.Header().Get(headerRequestID)).
			Msg("request")
	}
}

// adminAuth requires a valid X-Admin-Key.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.deps.Keys.AdminAuth(c.GetHeader(headerAdminKey)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid admin key",
			})
			return
		}
		c.Next()
	}
}

// callerAuth requires a valid X-API-Key and stores the key metadata in the
// gin context.
func (s *Server) callerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(headerAPIKey)
		if raw == "" {
			raw = c.GetHeader("Authorization")
		}
		key, err := s.deps.Keys.Validate(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid API key",
			})
			return
		}
		c.Set(ctxKeyAPIKey, key)
		c.Next()
	}
}

// adminRateLimit applies the per-IP admin limiter. A denial carries a
// Retry-After header of at least one second.
func (s *Server) adminRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminLimiter == nil {
			c.Next()
			return
		}
		d := s.adminLimiter.Check("admin:" + c.ClientIP())
		if d.Allowed {
			c.Next()
			return
		}
		retry := int(d.RetryAfter / time.Second)
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Too many admin requests, slow down",
		})
	}
}
