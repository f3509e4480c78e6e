package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/toolmeter/gateway/internal/apikey"
	"github.com/toolmeter/gateway/internal/eventsink"
	"github.com/toolmeter/gateway/internal/events"
	"github.com/toolmeter/gateway/internal/pagination"
	"github.com/toolmeter/gateway/internal/plan"
	"github.com/toolmeter/gateway/internal/session"
	"github.com/toolmeter/gateway/internal/telemetry"
	"github.com/toolmeter/gateway/internal/validation"
)

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
	Plan string `json:"plan"`
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}
	if req.Plan != "" && !validation.IsValidPlanName(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan name"})
		return
	}

	raw, key, err := s.deps.Keys.Generate(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Plan != "" {
		if err := s.deps.Plans.AssignKey(key.ID, req.Plan); err != nil {
			// Roll the key back rather than leave a half-provisioned one.
			_ = s.deps.Keys.Revoke(key.ID)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = s.deps.Keys.SetPlan(key.ID, req.Plan)
		key.Plan = req.Plan
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":  raw, // shown once
		"meta": key,
	})
}

func (s *Server) handleListKeys(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	all := s.deps.Keys.List() // newest first
	page := make([]*apikey.Key, 0, limit)
	started := cursor == nil
	for _, k := range all {
		if !started {
			if k.ID == cursor.ID {
				started = true
			}
			continue
		}
		page = append(page, k)
		if len(page) == limit {
			break
		}
	}

	resp := gin.H{"keys": page}
	if len(page) == limit {
		last := page[len(page)-1]
		if last.ID != all[len(all)-1].ID {
			resp["nextCursor"] = pagination.Encode(last.CreatedAt, last.ID)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetKey(c *gin.Context) {
	key, err := s.deps.Keys.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	if err := s.deps.Keys.Revoke(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

type assignPlanRequest struct {
	Plan *string `json:"plan"` // null removes the assignment
}

func (s *Server) handleAssignPlan(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Keys.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req assignPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	name := ""
	if req.Plan != nil {
		name = *req.Plan
	}
	if err := s.deps.Plans.AssignKey(id, name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_ = s.deps.Keys.SetPlan(id, name)
	c.JSON(http.StatusOK, gin.H{"plan": name})
}

func (s *Server) handleSetOverrides(c *gin.Context) {
	var o apikey.Overrides
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.NonNegative("maxPerCall", o.MaxPerCall),
		validation.NonNegative("rateLimitPerMin", float64(o.RateLimitPerMin)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error()})
		return
	}
	if err := s.deps.Keys.SetOverrides(c.Param("id"), o); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

// ---------------------------------------------------------------------------
// Credits
// ---------------------------------------------------------------------------

type setBalanceRequest struct {
	Balance float64 `json:"balance"`
}

func (s *Server) handleSetBalance(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Keys.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req setBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.deps.Ledger.SetBalance(id, req.Balance)
	c.JSON(http.StatusOK, gin.H{
		"balance":   s.deps.Ledger.Balance(id),
		"available": s.deps.Ledger.Available(id),
	})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Keys.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	balance := s.deps.Ledger.Balance(id)
	available := s.deps.Ledger.Available(id)
	c.JSON(http.StatusOK, gin.H{
		"balance":   balance,
		"available": available,
		"held":      balance - available,
		"holds":     s.deps.Ledger.ActiveReservations(id),
	})
}

func (s *Server) handleKeyReport(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Keys.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.deps.Sessions.GetKeyReport(id))
}

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

type planRequest struct {
	Name               string   `json:"name" binding:"required"`
	Description        string   `json:"description"`
	RateLimitPerMin    int      `json:"rateLimitPerMin"`
	DailyCallLimit     int64    `json:"dailyCallLimit"`
	MonthlyCallLimit   int64    `json:"monthlyCallLimit"`
	DailyCreditLimit   float64  `json:"dailyCreditLimit"`
	MonthlyCreditLimit float64  `json:"monthlyCreditLimit"`
	CreditMultiplier   float64  `json:"creditMultiplier"`
	AllowedTools       []string `json:"allowedTools"`
	DeniedTools        []string `json:"deniedTools"`
	MaxConcurrent      int      `json:"maxConcurrent"`
}

func toolSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func planView(p *plan.Plan) gin.H {
	allowed := make([]string, 0, len(p.AllowedTools))
	for t := range p.AllowedTools {
		allowed = append(allowed, t)
	}
	denied := make([]string, 0, len(p.DeniedTools))
	for t := range p.DeniedTools {
		denied = append(denied, t)
	}
	return gin.H{
		"name":               p.Name,
		"description":        p.Description,
		"rateLimitPerMin":    p.RateLimitPerMin,
		"dailyCallLimit":     p.DailyCallLimit,
		"monthlyCallLimit":   p.MonthlyCallLimit,
		"dailyCreditLimit":   p.DailyCreditLimit,
		"monthlyCreditLimit": p.MonthlyCreditLimit,
		"creditMultiplier":   p.CreditMultiplier,
		"allowedTools":       allowed,
		"deniedTools":        denied,
		"maxConcurrent":      p.MaxConcurrent,
		"createdAt":          p.CreatedAt,
		"updatedAt":          p.UpdatedAt,
	}
}

func (s *Server) handleCreatePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	p, err := s.deps.Plans.CreatePlan(plan.Plan{
		Name:               req.Name,
		Description:        req.Description,
		RateLimitPerMin:    req.RateLimitPerMin,
		DailyCallLimit:     req.DailyCallLimit,
		MonthlyCallLimit:   req.MonthlyCallLimit,
		DailyCreditLimit:   req.DailyCreditLimit,
		MonthlyCreditLimit: req.MonthlyCreditLimit,
		CreditMultiplier:   req.CreditMultiplier,
		AllowedTools:       toolSet(req.AllowedTools),
		DeniedTools:        toolSet(req.DeniedTools),
		MaxConcurrent:      req.MaxConcurrent,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, planView(p))
}

func (s *Server) handleListPlans(c *gin.Context) {
	plans := s.deps.Plans.ListPlans()
	out := make([]gin.H, 0, len(plans))
	for _, p := range plans {
		out = append(out, planView(p))
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

func (s *Server) handleGetPlan(c *gin.Context) {
	p, ok := s.deps.Plans.GetPlan(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
		return
	}
	view := planView(p)
	view["keyCount"] = s.deps.Plans.PlanRefCount(p.Name)
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleDeletePlan(c *gin.Context) {
	if err := s.deps.Plans.DeletePlan(c.Param("name")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type createSessionRequest struct {
	Key   string `json:"key" binding:"required"`
	TTLMs int    `json:"ttlMs"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := s.deps.Sessions.CreateSession(session.CreateRequest{Key: req.Key, TTLMs: req.TTLMs})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sessionView(sess))
}

func sessionView(sess *session.Session) gin.H {
	return gin.H{
		"id":        sess.ID,
		"key":       sess.Key,
		"status":    sess.Status,
		"createdAt": sess.CreatedAt,
		"expiresAt": sess.ExpiresAt,
	}
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.Sessions.GetSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

func (s *Server) handleEndSession(c *gin.Context) {
	if err := s.deps.Sessions.EndSession(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

func (s *Server) handleSessionReport(c *gin.Context) {
	report, err := s.deps.Sessions.GetSessionReport(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ---------------------------------------------------------------------------
// Event sinks
// ---------------------------------------------------------------------------

type createSinkRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Topics []string `json:"topics"`
}

func (s *Server) handleCreateSink(c *gin.Context) {
	var req createSinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	topics := make([]events.Topic, 0, len(req.Topics))
	for _, t := range req.Topics {
		topics = append(topics, events.Topic(t))
	}
	sub, err := s.deps.Sink.Register(req.URL, req.Secret, topics)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListSinks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sinks": s.deps.Sink.List()})
}

func (s *Server) handleDeleteSink(c *gin.Context) {
	if err := s.deps.Sink.Remove(c.Param("id")); err != nil {
		if err == eventsink.ErrSinkNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ---------------------------------------------------------------------------
// Status / reports / live feed
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.deps.Health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "subsystems": statuses})
}

func (s *Server) handleStatus(c *gin.Context) {
	summary := s.deps.Telemetry.GetSummary(time.Hour, telemetry.Filter{})
	resp := gin.H{
		"keys":     s.deps.Keys.Count(),
		"lastHour": summary,
	}
	if s.deps.Hub != nil {
		resp["realtime"] = s.deps.Hub.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleToolProfitability(c *gin.Context) {
	breakdown := s.deps.Telemetry.GetToolBreakdown()
	out := make([]gin.H, 0, len(breakdown))
	for _, tb := range breakdown {
		creditsPerCall := 0.0
		errorRate := 0.0
		if tb.Count > 0 {
			creditsPerCall = tb.TotalCredits / float64(tb.Count)
			errorRate = 100 * float64(tb.ErrorCount) / float64(tb.Count)
		}
		out = append(out, gin.H{
			"tool":           tb.Tool,
			"calls":          tb.Count,
			"errors":         tb.ErrorCount,
			"errorRate":      errorRate,
			"credits":        tb.TotalCredits,
			"creditsPerCall": creditsPerCall,
			"p50Ms":          tb.P50Ms,
			"p95Ms":          tb.P95Ms,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

func (s *Server) handleEventsWS(c *gin.Context) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live feed disabled"})
		return
	}
	s.deps.Hub.HandleWebSocket(c.Writer, c.Request)
}
