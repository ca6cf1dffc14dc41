// Package mcpmgr launches and caches connections to Model Context Protocol
// (MCP) servers that run as local subprocesses. It layers lazy startup,
// single-flight launches, TTL and LRU eviction, and liveness probing on top of
// the modelcontextprotocol/go-sdk client so a gateway can front many backends
// while only paying for the ones that are actually used.
//
// # Core entry points
//
//   - Pool is the long-lived cache. Construct it with NewPool, resolve backends
//     with Get, and release everything with Close.
//   - ServerContext is one live backend connection plus the tool catalog
//     discovered when it was launched.
//   - Config / ServerConfig describe the "mcpServers" document the gateway is
//     started with. Load it with LoadConfigFile or ParseConfig.
//   - Launcher decides how a backend is brought up. CommandLauncher spawns a
//     subprocess over stdio and labels its stderr; TransportLauncher adapts any
//     mcp.Transport factory, which is how tests use in-memory servers.
//
// A context is closed exactly once: when it is evicted or replaced, when its
// backend exits, or when the pool closes. Callers only borrow contexts for the
// duration of a request.
package mcpmgr
