package mcpgateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-lazy-gateway/pkg/mcpmgr"
	"golang.org/x/sync/errgroup"
)

// Backends resolves server names to live contexts. *mcpmgr.Pool implements it.
type Backends interface {
	Get(ctx context.Context, name string) (*mcpmgr.ServerContext, error)
	Keys() []string
}

// ServerSummary is one entry of the server catalog.
type ServerSummary struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Tools       []ToolSummary `json:"tools"`
}

// ToolSummary names a tool without its schema.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NotFound is returned in place of data when nothing the caller asked for
// exists. Available lists what the caller could have asked for instead.
type NotFound struct {
	Error     string   `json:"error"`
	Available []string `json:"available"`
}

// ToolQuery asks for the schemas of specific tools on one server.
type ToolQuery struct {
	Name      string   `json:"name" jsonschema:"The unique string of the MCP server."`
	ToolNames []string `json:"tool_names" jsonschema:"The unique string of the tool name."`
}

// ServerToolsResult answers a ListServerTools query. Each element of Data is
// either a *ServerTools or a *NotFound for that server.
type ServerToolsResult struct {
	Data     []any    `json:"data"`
	NotFound []string `json:"not_found"`
}

// ServerTools carries the full records of the requested tools on one server.
type ServerTools struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Tools       ToolMatches `json:"tools"`
}

// ToolMatches splits requested tool names into found records and misses.
type ToolMatches struct {
	Data     []*mcp.Tool `json:"data"`
	NotFound []string    `json:"not_found"`
}

// ToolCall is a request to run a tool on a named server.
type ToolCall struct {
	Server    string
	Tool      string
	Arguments map[string]any
	// Prepare, when set, runs on the outgoing request once the target is
	// resolved. The returned function runs after the backend answers.
	Prepare func(server string, params *mcp.CallToolParams) func()
}

// Router answers the gateway's meta-operations by resolving names through
// Backends. It keeps no state between calls.
type Router struct {
	backends    Backends
	logger      *slog.Logger
	concurrency int
}

// NewRouter builds a Router over backends.
func NewRouter(backends Backends, opts *Options) *Router {
	options := opts.withDefaults()
	return &Router{
		backends:    backends,
		logger:      options.Logger,
		concurrency: options.ListConcurrency,
	}
}

// ListServers resolves every configured server and summarizes the ones that
// come up. Servers that cannot be resolved are left out.
func (r *Router) ListServers(ctx context.Context) []ServerSummary {
	names := r.backends.Keys()
	resolved := r.resolve(ctx, names)
	out := make([]ServerSummary, 0, len(resolved))
	for _, name := range names {
		sc, ok := resolved[name]
		if !ok {
			continue
		}
		tools := sc.Tools()
		summary := ServerSummary{
			Name:        sc.Name(),
			Description: Limit(sc.Description()),
			Tools:       make([]ToolSummary, 0, len(tools)),
		}
		for _, tool := range tools {
			summary.Tools = append(summary.Tools, ToolSummary{Name: tool.Name, Description: Limit(tool.Description)})
		}
		out = append(out, summary)
	}
	return out
}

// ListServerTools returns the full records of the requested tools, grouped by
// server.
func (r *Router) ListServerTools(ctx context.Context, query []ToolQuery) Result {
	names := make([]string, 0, len(query))
	for _, q := range query {
		names = append(names, q.Name)
	}
	resolved := r.resolve(ctx, names)
	if len(resolved) == 0 {
		return Wrapped{Value: &NotFound{
			Error:     fmt.Sprintf("MCP server [%s] all not found.", strings.Join(names, ", ")),
			Available: r.available(),
		}}
	}

	result := &ServerToolsResult{Data: []any{}, NotFound: []string{}}
	for _, q := range query {
		sc, ok := resolved[q.Name]
		if !ok {
			result.NotFound = append(result.NotFound, q.Name)
			continue
		}
		matches := ToolMatches{Data: []*mcp.Tool{}, NotFound: []string{}}
		for _, toolName := range q.ToolNames {
			if tool, ok := sc.Tool(toolName); ok {
				matches.Data = append(matches.Data, tool)
			} else {
				matches.NotFound = append(matches.NotFound, toolName)
			}
		}
		if len(matches.Data) == 0 {
			result.Data = append(result.Data, &NotFound{
				Error:     fmt.Sprintf("tools [%s] all not found.", strings.Join(q.ToolNames, ", ")),
				Available: sc.ToolNames(),
			})
			continue
		}
		result.Data = append(result.Data, &ServerTools{
			Name:        sc.Name(),
			Description: sc.Description(),
			Tools:       matches,
		})
	}
	return Wrapped{Value: result}
}

// ExecuteTool forwards a call to the named server and returns its result
// untouched. Unknown servers and tools produce a NotFound payload without
// contacting any backend. A returned error means the backend could not be
// reached.
func (r *Router) ExecuteTool(ctx context.Context, call ToolCall) (Result, error) {
	sc, err := r.backends.Get(ctx, call.Server)
	if err != nil {
		r.logger.Debug("execute: server unavailable", "server", call.Server, "error", err)
		return Wrapped{Value: &NotFound{Error: "MCP server not found.", Available: r.available()}}, nil
	}
	if _, ok := sc.Tool(call.Tool); !ok {
		return Wrapped{Value: &NotFound{Error: "Tool not found on the specified server.", Available: sc.ToolNames()}}, nil
	}
	params := &mcp.CallToolParams{Name: call.Tool, Arguments: call.Arguments}
	if call.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	if call.Prepare != nil {
		if done := call.Prepare(call.Server, params); done != nil {
			defer done()
		}
	}
	res, err := sc.CallTool(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: call %s on %s: %w", call.Tool, call.Server, err)
	}
	return Raw{Payload: res}, nil
}

// resolve looks up names concurrently and returns the ones that resolved.
func (r *Router) resolve(ctx context.Context, names []string) map[string]*mcpmgr.ServerContext {
	unique := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			unique = append(unique, name)
		}
	}
	contexts := make([]*mcpmgr.ServerContext, len(unique))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, name := range unique {
		g.Go(func() error {
			sc, err := r.backends.Get(ctx, name)
			if err != nil {
				r.logger.Debug("server unavailable", "server", name, "error", err)
				return nil
			}
			contexts[i] = sc
			return nil
		})
	}
	_ = g.Wait()
	out := make(map[string]*mcpmgr.ServerContext, len(unique))
	for i, sc := range contexts {
		if sc != nil {
			out[unique[i]] = sc
		}
	}
	return out
}

func (r *Router) available() []string {
	keys := r.backends.Keys()
	if keys == nil {
		return []string{}
	}
	return keys
}
