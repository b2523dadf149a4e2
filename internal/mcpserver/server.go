package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all offersync tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("offersync", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolSetRegistry, h.HandleSetRegistry)
	s.AddTool(ToolLoadOffers, h.HandleLoadOffers)
	s.AddTool(ToolCreateSubscription, h.HandleCreateSubscription)
	s.AddTool(ToolGetState, h.HandleGetState)

	return s
}
