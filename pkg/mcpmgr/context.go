package mcpmgr

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ContextState tracks the lifecycle of a ServerContext. Transitions only move
// forward: Live -> Closing -> Closed, or Live -> Closed when the backend goes
// away on its own.
type ContextState int32

const (
	StateLive ContextState = iota
	StateClosing
	StateClosed
)

func (s ContextState) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ServerContext is a live connection to one backend together with the tool
// catalog discovered when it was launched. The catalog never changes for the
// lifetime of a context; a fresh catalog requires a fresh context.
//
// Contexts are owned by the Pool that created them. Callers borrow them for
// the duration of a request and must not close them.
type ServerContext struct {
	name         string
	command      string
	description  string
	capabilities *mcp.ServerCapabilities
	tools        map[string]*mcp.Tool
	order        []string
	launchedAt   time.Time

	session *mcp.ClientSession
	closers []io.Closer

	mu      sync.Mutex
	state   ContextState
	onClose func()
	done    chan struct{}
	once    sync.Once
}

func newServerContext(name string, cfg ServerConfig, session *mcp.ClientSession, tools []*mcp.Tool, closers []io.Closer) *ServerContext {
	sc := &ServerContext{
		name:       name,
		command:    cfg.Summary(),
		tools:      make(map[string]*mcp.Tool, len(tools)),
		order:      make([]string, 0, len(tools)),
		launchedAt: time.Now(),
		session:    session,
		closers:    closers,
		done:       make(chan struct{}),
	}
	if res := session.InitializeResult(); res != nil {
		sc.description = res.Instructions
		sc.capabilities = res.Capabilities
	}
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		if _, dup := sc.tools[tool.Name]; dup {
			continue
		}
		sc.tools[tool.Name] = tool
		sc.order = append(sc.order, tool.Name)
	}
	return sc
}

// Name returns the configured server name.
func (sc *ServerContext) Name() string { return sc.name }

// Command returns the launch command line.
func (sc *ServerContext) Command() string { return sc.command }

// Description returns the instructions the backend advertised at
// initialization, or the empty string.
func (sc *ServerContext) Description() string { return sc.description }

// Capabilities returns the capability set the backend advertised.
func (sc *ServerContext) Capabilities() *mcp.ServerCapabilities { return sc.capabilities }

// LaunchedAt reports when the backend finished its handshake.
func (sc *ServerContext) LaunchedAt() time.Time { return sc.launchedAt }

// Tool looks up a discovered tool by name.
func (sc *ServerContext) Tool(name string) (*mcp.Tool, bool) {
	tool, ok := sc.tools[name]
	return tool, ok
}

// Tools returns the discovered tools in discovery order.
func (sc *ServerContext) Tools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(sc.order))
	for _, name := range sc.order {
		out = append(out, sc.tools[name])
	}
	return out
}

// ToolNames returns the discovered tool names in discovery order.
func (sc *ServerContext) ToolNames() []string {
	return append(make([]string, 0, len(sc.order)), sc.order...)
}

// CallTool forwards a tools/call request to the backend.
func (sc *ServerContext) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if sc.State() != StateLive {
		return nil, mcp.ErrConnectionClosed
	}
	return sc.session.CallTool(ctx, params)
}

// Ping sends a protocol-level ping to the backend.
func (sc *ServerContext) Ping(ctx context.Context) error {
	if sc.State() != StateLive {
		return mcp.ErrConnectionClosed
	}
	return sc.session.Ping(ctx, nil)
}

// State reports the lifecycle state.
func (sc *ServerContext) State() ContextState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Done is closed once the context reaches StateClosed.
func (sc *ServerContext) Done() <-chan struct{} { return sc.done }

// watch waits for the backend session to end. If the context is still live at
// that point, the backend went away on its own: the context becomes closed and
// the registered close handler runs.
func (sc *ServerContext) watch() {
	_ = sc.session.Wait()
	sc.mu.Lock()
	if sc.state != StateLive {
		sc.mu.Unlock()
		return
	}
	sc.state = StateClosed
	handler := sc.onClose
	sc.onClose = nil
	sc.mu.Unlock()

	sc.closeAux()
	sc.once.Do(func() { close(sc.done) })
	if handler != nil {
		handler()
	}
}

// setCloseHandler registers fn to run if the backend closes unexpectedly. It
// reports false when the context is no longer live.
func (sc *ServerContext) setCloseHandler(fn func()) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != StateLive {
		return false
	}
	sc.onClose = fn
	return true
}

// beginClose moves a live context to Closing and detaches its close handler.
// Only the caller that wins this transition may call finishClose.
func (sc *ServerContext) beginClose() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != StateLive {
		return false
	}
	sc.state = StateClosing
	sc.onClose = nil
	return true
}

func (sc *ServerContext) finishClose() error {
	err := sc.session.Close()
	if errors.Is(err, mcp.ErrConnectionClosed) {
		err = nil
	}
	sc.closeAux()
	sc.mu.Lock()
	sc.state = StateClosed
	sc.mu.Unlock()
	sc.once.Do(func() { close(sc.done) })
	return err
}

// close disposes a live context. It is a no-op for any other state.
func (sc *ServerContext) close() error {
	if !sc.beginClose() {
		return nil
	}
	return sc.finishClose()
}

func (sc *ServerContext) closeAux() {
	for _, c := range sc.closers {
		_ = c.Close()
	}
}
