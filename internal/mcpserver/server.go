package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all ledgersync tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("ledgersync", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetSummary, h.HandleGetSummary)
	s.AddTool(ToolListPayments, h.HandleListPayments)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListReconciliationRuns, h.HandleListReconciliationRuns)
	s.AddTool(ToolGetAccount, h.HandleGetAccount)
	s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)

	return s
}
