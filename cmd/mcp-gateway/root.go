package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	mcpgateway "github.com/vikashloomba/mcp-lazy-gateway/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-lazy-gateway/pkg/mcpmgr"
)

const (
	flagConfigFile   = "config-file"
	flagConfigString = "config-string"
)

// rootOptions holds every flag of the command tree.
type rootOptions struct {
	configFile   string
	configString string

	httpAddr    string
	path        string
	corsOrigins []string

	ttl           time.Duration
	capacity      int
	launchTimeout time.Duration
	probeTimeout  time.Duration

	logLevel   string
	logJSONRPC bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	cmd := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "MCP gateway that launches backend MCP servers on demand",
		Long: `mcp-gateway fronts any number of stdio MCP servers with a single MCP endpoint.

Callers see three tools: mcp-servers-all lists the configured servers,
mcp-server-tools returns the schemas of selected tools, and
mcp-server-tool-execute runs a tool. Backends are started the first time a
request needs them and cached for reuse.

Examples:
  # Serve over stdio with servers from a file
  mcp-gateway -f servers.json

  # Serve over streamable HTTP
  mcp-gateway -f servers.yaml --http :8700

  # Inline configuration
  mcp-gateway -s '{"mcpServers":{"fs":{"command":"npx","args":["-y","@modelcontextprotocol/server-filesystem","."]}}}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.runGateway(cmd.Context())
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, flagConfigFile, "f", "", "path to the mcpServers configuration file (JSON or YAML)")
	flags.StringVarP(&opts.configString, flagConfigString, "s", "", "mcpServers configuration given inline")
	flags.DurationVar(&opts.ttl, "ttl", mcpmgr.DefaultTTL, "how long a launched server stays fresh")
	flags.IntVar(&opts.capacity, "capacity", mcpmgr.DefaultCapacity, "maximum number of servers kept running")
	flags.DurationVar(&opts.launchTimeout, "launch-timeout", mcpmgr.DefaultLaunchTimeout, "bound on starting a server and listing its tools")
	flags.DurationVar(&opts.probeTimeout, "probe-timeout", mcpmgr.DefaultProbeTimeout, "bound on the ping sent to a stale server")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logJSONRPC, "log-jsonrpc", false, "log JSON-RPC traffic to backends at debug level")
	cmd.MarkFlagsMutuallyExclusive(flagConfigFile, flagConfigString)
	cmd.MarkFlagsOneRequired(flagConfigFile, flagConfigString)

	cmd.Flags().StringVar(&opts.httpAddr, "http", "", "serve streamable HTTP on this address instead of stdio")
	cmd.Flags().StringVar(&opts.path, "path", "/mcp", "HTTP path of the MCP endpoint")
	cmd.Flags().StringSliceVar(&opts.corsOrigins, "cors-origin", nil, "allowed CORS origin for the HTTP endpoint (repeatable)")

	cmd.AddCommand(newCheckCmd(opts))
	return cmd
}

// loadConfig reads the configuration from whichever source was given.
func (o *rootOptions) loadConfig() (*mcpmgr.Config, error) {
	switch {
	case o.configFile != "" && o.configString != "":
		return nil, fmt.Errorf("--%s and --%s cannot be used together", flagConfigFile, flagConfigString)
	case o.configFile != "":
		return mcpmgr.LoadConfigFile(o.configFile)
	case o.configString != "":
		return mcpmgr.ParseConfig([]byte(o.configString))
	default:
		return nil, fmt.Errorf("one of --%s or --%s is required", flagConfigFile, flagConfigString)
	}
}

func (o *rootOptions) newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", o.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: level})), nil
}

func (o *rootOptions) newPool(cfg *mcpmgr.Config, logger *slog.Logger) (*mcpmgr.Pool, error) {
	return mcpmgr.NewPool(cfg.MCPServers, &mcpmgr.PoolOptions{
		ClientName:    "mcp-proxy-gateway",
		Capacity:      o.capacity,
		TTL:           o.ttl,
		LaunchTimeout: o.launchTimeout,
		ProbeTimeout:  o.probeTimeout,
		Stderr:        o.stderr,
		LogJSONRPC:    o.logJSONRPC,
		Logger:        logger,
	})
}

// setup builds the logger, configuration, and pool shared by every command.
func (o *rootOptions) setup() (*slog.Logger, *mcpmgr.Pool, error) {
	logger, err := o.newLogger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := o.newPool(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return logger, pool, nil
}

func (o *rootOptions) runGateway(ctx context.Context) error {
	logger, pool, err := o.setup()
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("close pool", "error", err)
		}
	}()

	logger.Info("Initializing MCP gateway...")
	gw, err := mcpgateway.NewGateway(pool, &mcpgateway.Options{
		Addr:           o.httpAddr,
		Path:           o.path,
		AllowedOrigins: o.corsOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	transport := "stdio"
	if o.httpAddr != "" {
		transport = "http"
		gw.ServeMux().HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
	}
	logger.Info("mcp-gateway started", "transport", transport, "servers", strings.Join(pool.Keys(), ","))

	if o.httpAddr != "" {
		err = gw.ListenAndServe(ctx)
	} else {
		err = gw.ServeStdio(ctx)
	}
	if isCleanExit(err) {
		return nil
	}
	return err
}

// isCleanExit reports whether a serve error only means the caller went away
// or a shutdown signal arrived.
func isCleanExit(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, mcp.ErrConnectionClosed)
}
