package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all KOPA tools registered.
func NewMCPServer(cfg Config) (*server.MCPServer, error) {
	h, err := NewHandlers(NewClient(cfg), cfg)
	if err != nil {
		return nil, err
	}

	s := server.NewMCPServer("kopa", "1.0.0")
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolSubmitDeliveryProof, h.HandleSubmitDeliveryProof)
	s.AddTool(ToolGetEscrowStatus, h.HandleGetEscrowStatus)
	s.AddTool(ToolListPartyEscrows, h.HandleListPartyEscrows)

	return s, nil
}
