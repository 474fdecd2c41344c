package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Purple support tools
// registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("purple", "1.0.0")
	client := NewPurpleClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolLookupOrder, h.HandleLookupOrder)
	s.AddTool(ToolGetCheckout, h.HandleGetCheckout)
	s.AddTool(ToolGetAccount, h.HandleGetAccount)
	s.AddTool(ToolListProducts, h.HandleListProducts)

	return s
}
