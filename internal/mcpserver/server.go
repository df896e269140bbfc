package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Velora admin tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("velora", "1.0.0")
	client := NewVeloraClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetWallet, h.HandleGetWallet)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolConfirmPayment, h.HandleConfirmPayment)
	s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)
	s.AddTool(ToolWorkerStatus, h.HandleWorkerStatus)

	return s
}
