// Package toolclient is a façade over a long-lived child process speaking
// the tool-invocation protocol (JSON-RPC 2.0 over newline-delimited
// stdio). It respawns the child on crash, gated by a circuit breaker so a
// repeatedly-crashing tool server fails fast instead of respawning in a
// hot loop.
package toolclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolmeter/gateway/internal/circuitbreaker"
	"github.com/toolmeter/gateway/internal/retry"
)

var (
	ErrClientClosed  = errors.New("toolclient: closed")
	ErrCircuitOpen   = errors.New("toolclient: circuit open, child process unhealthy")
	ErrCallTimeout   = errors.New("toolclient: call timed out")
)

const breakerKey = "tool-child"

// Config controls the child process and its supervision.
type Config struct {
	Command            string
	Args               []string
	Env                []string
	CallTimeout        time.Duration
	RespawnMaxAttempts int
	RespawnBaseDelay   time.Duration
	BreakerThreshold   int
	BreakerOpenFor     time.Duration
}

// DefaultConfig returns reasonable toolclient defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:        30 * time.Second,
		RespawnMaxAttempts: 5,
		RespawnBaseDelay:   200 * time.Millisecond,
		BreakerThreshold:   5,
		BreakerOpenFor:     30 * time.Second,
	}
}

// CallResult is the outcome of a tool invocation.
type CallResult struct {
	Content any
	IsError bool
}

// transport is the subset of the mcp-go stdio client's surface this
// package depends on. It exists so tests can substitute a fake child
// process instead of exec'ing a real one.
type transport interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	Close() error
}

// spawnFunc constructs a fresh transport from Config. Overridable in tests.
type spawnFunc func(cfg Config) (transport, error)

func defaultSpawn(cfg Config) (transport, error) {
	return client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
}

// Client wraps a respawning mcp-go stdio client.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
	spawnFn spawnFunc

	mu     sync.Mutex
	inner  transport
	closed bool
}

// New creates a Client and starts (spawns) the underlying child process.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	return newWithSpawner(cfg, logger, defaultSpawn)
}

func newWithSpawner(cfg Config, logger *slog.Logger, spawnFn spawnFunc) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor),
		spawnFn: spawnFn,
	}
	if err := c.spawn(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) spawn(ctx context.Context) error {
	inner, err := c.spawnFn(c.cfg)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	if _, err := inner.Initialize(initCtx, mcp.InitializeRequest{}); err != nil {
		_ = inner.Close()
		return err
	}

	c.mu.Lock()
	c.inner = inner
	c.mu.Unlock()
	return nil
}

// respawn tears down the current child (if any) and starts a fresh one,
// retrying with backoff. Gated by the circuit breaker so a child that
// crashes on every startup attempt stops being respawned for a cooldown
// window.
func (c *Client) respawn(ctx context.Context) error {
	if !c.breaker.Allow(breakerKey) {
		return ErrCircuitOpen
	}

	c.mu.Lock()
	if c.inner != nil {
		_ = c.inner.Close()
		c.inner = nil
	}
	c.mu.Unlock()

	err := retry.Do(ctx, c.cfg.RespawnMaxAttempts, c.cfg.RespawnBaseDelay, func() error {
		return c.spawn(ctx)
	})
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return err
	}
	c.breaker.RecordSuccess(breakerKey)
	return nil
}

// CallTool invokes a tool by name with the given arguments. On a transport
// failure (the child crashed or its pipe broke), it respawns the child
// once and retries the call a single time before giving up.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (CallResult, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return CallResult{}, ErrClientClosed
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	res, err := c.callOnce(callCtx, name, arguments)
	if err == nil {
		return res, nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return CallResult{}, ErrCallTimeout
	}

	c.logger.Warn("tool call failed, respawning child", "tool", name, "error", err)
	if respawnErr := c.respawn(ctx); respawnErr != nil {
		return CallResult{}, respawnErr
	}

	res, err = c.callOnce(callCtx, name, arguments)
	if err != nil {
		return CallResult{}, err
	}
	return res, nil
}

func (c *Client) callOnce(ctx context.Context, name string, arguments map[string]any) (CallResult, error) {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return CallResult{}, errors.New("toolclient: no active child process")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	out, err := inner.CallTool(ctx, req)
	if err != nil {
		return CallResult{}, err
	}
	return CallResult{Content: out.Content, IsError: out.IsError}, nil
}

// ListTools returns the tool names and descriptions exposed by the child.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return nil, errors.New("toolclient: no active child process")
	}

	out, err := inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// Close stops the underlying child process. Safe to call once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}
