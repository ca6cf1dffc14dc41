package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-lazy-gateway/pkg/mcpmgr"
)

// fakeBackends serves in-memory MCP servers to a pool. Every backend exposes
// "echo" and "progress"; names listed in broken refuse to launch.
type fakeBackends struct {
	mu     sync.Mutex
	broken map[string]bool
	calls  map[string][]json.RawMessage
}

func newFakeBackends(broken ...string) *fakeBackends {
	b := &fakeBackends{
		broken: make(map[string]bool),
		calls:  make(map[string][]json.RawMessage),
	}
	for _, name := range broken {
		b.broken[name] = true
	}
	return b
}

func (b *fakeBackends) launcher() mcpmgr.Launcher {
	return mcpmgr.TransportLauncher(func(ctx context.Context, name string, _ mcpmgr.ServerConfig) (mcp.Transport, error) {
		b.mu.Lock()
		broken := b.broken[name]
		b.mu.Unlock()
		if broken {
			return nil, errors.New("spawn refused")
		}
		server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, &mcp.ServerOptions{
			Instructions: name + " backend. Used in tests.",
			HasTools:     true,
		})
		server.AddTool(&mcp.Tool{
			Name:        "echo",
			Description: "Echoes its arguments back.\nSecond line.",
			InputSchema: map[string]any{"type": "object"},
		}, b.echo(name))
		server.AddTool(&mcp.Tool{
			Name:        "progress",
			Description: "Reports progress once",
			InputSchema: map[string]any{"type": "object"},
		}, b.reportProgress(name))
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		if _, err := server.Connect(ctx, serverTransport, nil); err != nil {
			return nil, err
		}
		return clientTransport, nil
	})
}

func (b *fakeBackends) echo(server string) mcp.ToolHandler {
	return func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := append(json.RawMessage(nil), req.Params.Arguments...)
		b.mu.Lock()
		b.calls[server] = append(b.calls[server], args)
		b.mu.Unlock()
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: server + ":echo"}},
			StructuredContent: map[string]any{"_hidden": "kept", "echo": args},
		}, nil
	}
}

func (b *fakeBackends) reportProgress(server string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if token := req.Params.GetProgressToken(); token != nil {
			err := req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
				ProgressToken: token,
				Progress:      1,
				Total:         2,
				Message:       server + " halfway",
			})
			if err != nil {
				return nil, err
			}
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "done"}}}, nil
	}
}

func (b *fakeBackends) callsTo(server string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.calls[server]...)
}

func newTestPool(t *testing.T, backends *fakeBackends, names ...string) *mcpmgr.Pool {
	t.Helper()
	cfg := make(map[string]mcpmgr.ServerConfig, len(names))
	for _, name := range names {
		cfg[name] = mcpmgr.ServerConfig{Command: name}
	}
	pool, err := mcpmgr.NewPool(cfg, &mcpmgr.PoolOptions{
		Launcher: backends.launcher(),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
