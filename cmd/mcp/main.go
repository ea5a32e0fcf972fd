// Command mcp serves the paylink operator tools over MCP stdio. It is a thin
// client: every tool call goes to a running paylink server's HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paylink/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	apiURL := os.Getenv("PAYLINK_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	cfg := mcpserver.Config{APIURL: apiURL, AdminSecret: os.Getenv("PAYLINK_ADMIN_SECRET")}

	// stdout carries the protocol, so diagnostics go to stderr.
	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "PAYLINK_ADMIN_SECRET not set; operator tools only work against a development server")
	}

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}
