// Pacer MCP server.
// Exposes the pacer HTTP API as tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/pacer/internal/mcp"
)

func main() {
	pacerURL := os.Getenv("PACER_URL")
	if pacerURL == "" {
		pacerURL = "http://localhost:3002"
	}

	s := server.NewMCPServer(
		"pacer",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(pacerURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
