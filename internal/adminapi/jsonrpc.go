package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolmeter/gateway/internal/admission"
	"github.com/toolmeter/gateway/internal/apikey"
)

// ToolLister exposes the downstream tool catalogue. Satisfied by
// *toolclient.Client.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// rpcRequest is the JSON-RPC 2.0 envelope accepted on POST /mcp.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func rpcOK(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFail(id json.RawMessage, code int, msg string, data any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}
}

// handleMCP is the caller channel: a JSON-RPC 2.0 endpoint fronting the
// admission pipeline. Supported methods: initialize, tools/list,
// tools/call.
func (s *Server) handleMCP(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpcFail(nil, -32700, "parse error", nil))
		return
	}
	if req.JSONRPC != "2.0" {
		c.JSON(http.StatusBadRequest, rpcFail(req.ID, -32600, "invalid request: jsonrpc must be \"2.0\"", nil))
		return
	}

	switch req.Method {
	case "initialize":
		c.JSON(http.StatusOK, rpcOK(req.ID, gin.H{
			"protocolVersion": "2024-11-05",
			"serverInfo":      gin.H{"name": "toolmeter-gateway"},
		}))

	case "tools/list":
		s.handleToolsList(c, req)

	case "tools/call":
		s.handleToolsCall(c, req)

	default:
		c.JSON(http.StatusOK, rpcFail(req.ID, -32601, "method not found: "+req.Method, nil))
	}
}

func (s *Server) handleToolsList(c *gin.Context, req rpcRequest) {
	if s.deps.Tools == nil {
		c.JSON(http.StatusOK, rpcFail(req.ID, -32000, "tool catalogue unavailable", nil))
		return
	}
	tools, err := s.deps.Tools.ListTools(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, rpcFail(req.ID, -32000, err.Error(), nil))
		return
	}
	out := make([]gin.H, 0, len(tools))
	for _, t := range tools {
		out = append(out, gin.H{"name": t.Name, "description": t.Description})
	}
	c.JSON(http.StatusOK, rpcOK(req.ID, gin.H{"tools": out}))
}

func (s *Server) handleToolsCall(c *gin.Context, req rpcRequest) {
	keyVal, _ := c.Get(ctxKeyAPIKey)
	key, ok := keyVal.(*apikey.Key)
	if !ok {
		c.JSON(http.StatusUnauthorized, rpcFail(req.ID, -32000, "unauthenticated", nil))
		return
	}

	ctx := c.Request.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	result := s.deps.Pipeline.Execute(ctx, admission.Request{
		Key:       key.ID,
		SourceIP:  c.ClientIP(),
		SessionID: c.GetHeader("X-Session-ID"),
		Tool:      req.Params.Name,
		Args:      req.Params.Arguments,
	})

	if result.Err != nil {
		if result.Err.StatusCode == http.StatusTooManyRequests {
			retry := int(result.Err.RetryAfter / time.Second)
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
		}
		c.JSON(result.Err.StatusCode, rpcFail(req.ID, -32000, result.Err.Reason, gin.H{
			"kind":  result.Err.Kind,
			"state": result.State,
		}))
		return
	}

	c.JSON(http.StatusOK, rpcOK(req.ID, gin.H{
		"content":   result.Content,
		"credits":   result.Credits,
		"duplicate": result.Duplicate,
	}))
}
