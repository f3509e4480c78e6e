package toolclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

type fakeTransport struct {
	initErr     error
	callErr     error
	closeCalled atomic.Bool
	calls       atomic.Int64
}

func (f *fakeTransport) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{}, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls.Add(1)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeTransport) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (f *fakeTransport) Close() error {
	f.closeCalled.Store(true)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	cfg.RespawnMaxAttempts = 2
	cfg.RespawnBaseDelay = time.Millisecond
	return cfg
}

func TestCallToolSucceeds(t *testing.T) {
	fake := &fakeTransport{}
	c, err := newWithSpawner(testConfig(), nil, func(Config) (transport, error) { return fake, nil })
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(context.Background(), "search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if res.IsError {
		t.Error("expected success result")
	}
}

func TestCallToolRespawnsOnFailure(t *testing.T) {
	failing := &fakeTransport{callErr: errors.New("pipe closed")}
	healthy := &fakeTransport{}

	attempt := 0
	spawn := func(Config) (transport, error) {
		attempt++
		if attempt == 1 {
			return failing, nil
		}
		return healthy, nil
	}

	c, err := newWithSpawner(testConfig(), nil, spawn)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("expected respawn-and-retry to succeed, got %v", err)
	}
	if res.IsError {
		t.Error("expected success result from respawned transport")
	}
	if !failing.closeCalled.Load() {
		t.Error("expected the failed transport to be closed on respawn")
	}
}

func TestCallToolClosedClientRejected(t *testing.T) {
	fake := &fakeTransport{}
	c, _ := newWithSpawner(testConfig(), nil, func(Config) (transport, error) { return fake, nil })
	c.Close()

	_, err := c.CallTool(context.Background(), "search", nil)
	if err != ErrClientClosed {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func TestNewPropagatesInitializeError(t *testing.T) {
	boom := errors.New("child failed to start")
	_, err := newWithSpawner(testConfig(), nil, func(Config) (transport, error) {
		return &fakeTransport{initErr: boom}, nil
	})
	if err == nil {
		t.Fatal("expected initialize failure to propagate from New")
	}
}
