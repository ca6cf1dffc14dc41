package mcpmgr

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	// DefaultCapacity bounds how many backend contexts the pool keeps alive.
	DefaultCapacity = 50
	// DefaultTTL is the freshness window of a cached context.
	DefaultTTL = 5 * time.Minute
	// DefaultLaunchTimeout bounds spawn, handshake, and tool discovery.
	DefaultLaunchTimeout = 30 * time.Second
	// DefaultProbeTimeout bounds the liveness ping sent to a stale context.
	DefaultProbeTimeout = 2 * time.Second
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Server    string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// ServerConfig describes an MCP server launched as a subprocess over stdio.
type ServerConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Summary renders the command line the way it is reported to callers.
func (c ServerConfig) Summary() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

// Environ returns the subprocess environment: the gateway's own environment
// followed by the configured overrides in key order.
func (c ServerConfig) Environ() []string {
	env := os.Environ()
	for _, k := range sortedKeys(c.Env) {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// PoolOptions configures a Pool instance.
type PoolOptions struct {
	// ClientName is advertised to every backend during initialization.
	// When empty, the server name is used.
	ClientName string
	// ClientVersion controls the version reported to backends.
	ClientVersion string
	// Capacity bounds the number of cached contexts. Defaults to 50.
	Capacity int
	// TTL is how long a context stays fresh. Defaults to 5 minutes.
	TTL time.Duration
	// LaunchTimeout bounds spawn, handshake, and discovery. Defaults to 30s.
	LaunchTimeout time.Duration
	// ProbeTimeout bounds the liveness ping of a stale context. Defaults to 2s.
	ProbeTimeout time.Duration
	// Launcher starts backends. Defaults to a CommandLauncher.
	Launcher Launcher
	// Stderr receives the line-prefixed stderr of every backend launched by
	// the default launcher. Defaults to os.Stderr.
	Stderr io.Writer
	// LogJSONRPC toggles debug logging of JSON-RPC traffic to every backend.
	LogJSONRPC bool
	// RPCLogger provides a custom sink for JSON-RPC traffic; it takes
	// precedence over LogJSONRPC.
	RPCLogger RPCLogger
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *PoolOptions) normalized() PoolOptions {
	if o == nil {
		o = &PoolOptions{}
	}
	opts := *o
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = DefaultLaunchTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RPCLogger == nil && opts.LogJSONRPC {
		logger := opts.Logger
		opts.RPCLogger = func(event RPCLogEvent) {
			logger.Debug("jsonrpc", "server", event.Server, "direction", string(event.Direction), "message", string(event.Message))
		}
	}
	if opts.Launcher == nil {
		opts.Launcher = &CommandLauncher{Stderr: opts.Stderr}
	}
	return opts
}
