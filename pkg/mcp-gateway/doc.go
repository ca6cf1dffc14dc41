// Package mcpgateway fronts every backend held by an mcpmgr.Pool with a single
// MCP server. Instead of mirroring each backend's tools, the gateway exposes
// three tools that let a caller list servers, read the schemas of the tools it
// needs, and execute them. Backends are only launched when a request names
// them, and their results are returned to the caller unchanged.
package mcpgateway
