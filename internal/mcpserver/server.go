package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paylink", "0.1.0")
	client := NewPaylinkClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetInvoiceState, h.HandleGetInvoiceState)
	s.AddTool(ToolResolvePayLink, h.HandleResolvePayLink)
	s.AddTool(ToolListUserInvoices, h.HandleListUserInvoices)
	s.AddTool(ToolSyncInvoice, h.HandleSyncInvoice)
	s.AddTool(ToolFixInvoiceID, h.HandleFixInvoiceID)
	s.AddTool(ToolFixAllInvoiceIDs, h.HandleFixAllInvoiceIDs)
	s.AddTool(ToolVerifyTransfer, h.HandleVerifyTransfer)
	s.AddTool(ToolForceFund, h.HandleForceFund)
	s.AddTool(ToolForceRelease, h.HandleForceRelease)
	s.AddTool(ToolDirectTransfer, h.HandleDirectTransfer)
	s.AddTool(ToolListUserWebhooks, h.HandleListUserWebhooks)
	s.AddTool(ToolGetRPCBreaker, h.HandleGetRPCBreaker)

	return s
}
