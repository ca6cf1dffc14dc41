package mcpmgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Launcher brings up the process behind a backend and returns the transport
// used to speak MCP with it. The optional closer is released after the
// session closes.
type Launcher interface {
	Launch(ctx context.Context, name string, cfg ServerConfig) (mcp.Transport, io.Closer, error)
}

// CommandLauncher runs each backend as a subprocess over stdio. The child's
// stderr is forwarded to Stderr with every line labelled "[name] ".
type CommandLauncher struct {
	Stderr io.Writer
}

// Launch implements Launcher. The process itself is started when the
// returned transport connects.
func (l *CommandLauncher) Launch(_ context.Context, name string, cfg ServerConfig) (mcp.Transport, io.Closer, error) {
	if cfg.Command == "" {
		return nil, nil, fmt.Errorf("mcpmgr: command missing for %q", name)
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, nil, err
	}
	dst := l.Stderr
	if dst == nil {
		dst = os.Stderr
	}
	stderr := newPrefixWriter(dst, name)
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Environ()
	cmd.Stderr = stderr
	return &mcp.CommandTransport{Command: cmd}, stderr, nil
}

// TransportLauncher adapts a transport factory to Launcher. It lets embedders
// and tests supply backends that are not subprocesses.
type TransportLauncher func(ctx context.Context, name string, cfg ServerConfig) (mcp.Transport, error)

// Launch implements Launcher.
func (f TransportLauncher) Launch(ctx context.Context, name string, cfg ServerConfig) (mcp.Transport, io.Closer, error) {
	t, err := f(ctx, name, cfg)
	return t, nil, err
}

// launch starts a backend, completes the handshake, and discovers its tools.
func (p *Pool) launch(ctx context.Context, name string, cfg ServerConfig) (*ServerContext, error) {
	transport, closer, err := p.opts.Launcher.Launch(ctx, name, cfg)
	if err != nil {
		return nil, &LaunchError{Server: name, Stage: StageStart, Err: err}
	}
	var closers []io.Closer
	if closer != nil {
		closers = append(closers, closer)
	}
	release := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	if p.opts.RPCLogger != nil {
		transport = &loggingTransport{server: name, delegate: transport, logger: p.opts.RPCLogger}
	}

	clientName := p.opts.ClientName
	if clientName == "" {
		clientName = name
	}
	clientOpts := p.clientOptions(name)
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: p.opts.ClientVersion}, &clientOpts)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		release()
		return nil, &LaunchError{Server: name, Stage: StageInitialize, Err: err}
	}

	tools, err := p.discoverTools(ctx, name, session)
	if err != nil {
		_ = session.Close()
		release()
		return nil, &LaunchError{Server: name, Stage: StageDiscover, Err: err}
	}
	sc := newServerContext(name, cfg, session, tools, closers)
	if len(sc.order) != len(tools) {
		p.opts.Logger.Warn("duplicate tool names ignored", "server", name, "listed", len(tools), "kept", len(sc.order))
	}
	go sc.watch()
	return sc, nil
}

// discoverTools pages through tools/list until the cursor runs out.
func (p *Pool) discoverTools(ctx context.Context, name string, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	if res := session.InitializeResult(); res != nil && res.Capabilities != nil && res.Capabilities.Tools == nil {
		return nil, nil
	}
	var tools []*mcp.Tool
	cursor := ""
	for {
		params := &mcp.ListToolsParams{}
		if cursor != "" {
			params.Cursor = cursor
		}
		res, err := session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return nil, nil
			}
			return nil, err
		}
		tools = append(tools, res.Tools...)
		next := res.NextCursor
		if next == "" {
			return tools, nil
		}
		if next == cursor {
			p.opts.Logger.Warn("tools/list cursor did not advance", "server", name, "cursor", next)
			return tools, nil
		}
		cursor = next
	}
}
