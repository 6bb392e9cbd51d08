// KOPA MCP Server - Exposes escrow operations as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kopa-agent/kopa/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:       envOrDefault("KOPA_API_URL", "http://localhost:8080"),
		PartyAddress: os.Getenv("KOPA_PARTY_ADDRESS"),
		SigningKey:   os.Getenv("KOPA_SIGNING_KEY"),
	}

	s, err := mcpserver.NewMCPServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server setup failed: %v\n", err)
		os.Exit(1)
	}
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
