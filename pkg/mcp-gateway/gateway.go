package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-lazy-gateway/pkg/mcpmgr"
)

// Gateway exposes an MCP server whose three tools list, inspect, and execute
// the tools of every server managed by an mcpmgr.Pool. Backends are only
// launched when a request names them.
type Gateway struct {
	pool *mcpmgr.Pool
	opts Options

	router   *Router
	progress *progressTracker

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway over pool and registers its tools. The gateway
// does not own the pool; callers close it after the gateway stops.
func NewGateway(pool *mcpmgr.Pool, opts *Options) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("mcpgateway: pool is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		pool:     pool,
		opts:     options,
		router:   NewRouter(pool, &options),
		progress: newProgressTracker(options.Logger),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		Instructions: options.Instructions,
		HasTools:     true,
	})
	g.registerTools()
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	pool.OnProgress(g.progress.forward)
	return g, nil
}

// Options returns a copy of the effective options.
func (g *Gateway) Options() Options {
	return g.opts
}

// Server exposes the underlying MCP server.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Router exposes the router answering the gateway's tools.
func (g *Gateway) Router() *Router {
	return g.router
}

// Serve runs the gateway over a single transport until the client
// disconnects or ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, t mcp.Transport) error {
	return g.server.Run(ctx, t)
}

// ServeStdio serves one caller over the process's stdin and stdout.
func (g *Gateway) ServeStdio(ctx context.Context) error {
	return g.Serve(ctx, &mcp.StdioTransport{})
}

// ServeMux exposes the mux the Streamable endpoint is mounted on so callers
// can register extra routes, before or after serving starts.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	g.mux = http.NewServeMux()
	g.mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		g.mux.Handle(path+"/", g.streamHandler)
	}
	if len(g.opts.AllowedOrigins) == 0 {
		return g.mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}).Handler(g.mux)
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
