package mcpgateway

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Names of the tools the gateway exposes to its caller.
const (
	ToolListServers = "mcp-servers-all"
	ToolServerTools = "mcp-server-tools"
	ToolExecute     = "mcp-server-tool-execute"
)

const defaultInstructions = `This server proxies a set of MCP servers. Use its tools in three steps:
1. Call ` + ToolListServers + ` to list every available MCP server with a short summary of its tools.
2. Call ` + ToolServerTools + ` with the server and tool names you need to read their full input schemas.
3. Call ` + ToolExecute + ` with the server name, tool name, and arguments to run a tool.
Only request schemas for the tools you intend to use.`

type listServersInput struct{}

type serverToolsInput struct {
	Query []ToolQuery `json:"query" jsonschema:"The MCP servers and tool names to look up."`
}

type executeInput struct {
	Name     string         `json:"name" jsonschema:"The unique string of the MCP server."`
	ToolName string         `json:"tool_name" jsonschema:"The unique string of the tool name."`
	Args     map[string]any `json:"args,omitempty" jsonschema:"The arguments passed to the tool."`
}

func (g *Gateway) registerTools() {
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolListServers,
		Description: "List all available MCP servers with a short description of each of their tools.",
	}, g.handleListServers)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolServerTools,
		Description: "Get the full definitions, including input schemas, of specific tools on specific MCP servers.",
	}, g.handleServerTools)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolExecute,
		Description: "Execute a tool on a specific MCP server and return its result unchanged.",
	}, g.handleExecute)
}

func (g *Gateway) handleListServers(ctx context.Context, _ *mcp.CallToolRequest, _ listServersInput) (*mcp.CallToolResult, any, error) {
	res, err := Encode(Wrapped{Value: g.router.ListServers(ctx)})
	return res, nil, err
}

func (g *Gateway) handleServerTools(ctx context.Context, _ *mcp.CallToolRequest, in serverToolsInput) (*mcp.CallToolResult, any, error) {
	res, err := Encode(g.router.ListServerTools(ctx, in.Query))
	return res, nil, err
}

func (g *Gateway) handleExecute(ctx context.Context, req *mcp.CallToolRequest, in executeInput) (*mcp.CallToolResult, any, error) {
	call := ToolCall{Server: in.Name, Tool: in.ToolName, Arguments: in.Args}
	if req != nil && req.Params != nil && req.Session != nil {
		if token := req.Params.GetProgressToken(); token != nil {
			session := req.Session
			call.Prepare = func(server string, params *mcp.CallToolParams) func() {
				return g.progress.track(server, session, token, params)
			}
		}
	}
	result, err := g.router.ExecuteTool(ctx, call)
	if err != nil {
		g.logError("execute tool", err, "server", in.Name, "tool", in.ToolName)
		return nil, nil, err
	}
	res, err := Encode(result)
	return res, nil, err
}
