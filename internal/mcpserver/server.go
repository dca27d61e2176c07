// Package mcpserver exposes kernel operations as MCP tools so agent
// clients can generate, inspect and schedule without going through the
// HTTP surface.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/kolapsis/llmos/internal/kernel"
)

// NewServer builds the MCP server with every kernel tool registered.
func NewServer(k *kernel.Kernel, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"llmos",
		version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, k)
	return s
}
