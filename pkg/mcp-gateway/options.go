package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Instructions are advertised to callers at initialization. Defaults to
	// the list -> inspect -> execute protocol description.
	Instructions string
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path optionally mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// AllowedOrigins enables CORS for the HTTP endpoint. Empty disables it.
	AllowedOrigins []string
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ListConcurrency bounds how many servers are resolved at once when
	// listing. Defaults to 8.
	ListConcurrency int
	// ShutdownTimeout bounds how long the HTTP server waits for in-flight
	// requests when stopping.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-proxy-gateway",
			Title:   "MCP Proxy Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Instructions == "" {
		opts.Instructions = defaultInstructions
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ListConcurrency <= 0 {
		opts.ListConcurrency = 8
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return opts
}
