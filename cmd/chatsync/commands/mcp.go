// ABOUTME: MCP command starts the Model Context Protocol server
// ABOUTME: Lets LLM agents like Claude read and manage conversations via stdio
package commands

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/harper/chatsync/internal/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// NewMCPCmd creates the MCP command
func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for LLM agents",
		Long: `Start MCP server for LLM agents

Runs chatsync as an MCP (Model Context Protocol) server, enabling
LLM agents like Claude to list, read and manage your conversations
via stdio. Reads are served from the local cache while it syncs.

Configure in Claude Desktop's config file to enable the tools.`,
		RunE: runMCP,
		Example: `  # Start MCP server (typically called by Claude Desktop)
  chatsync mcp

  # Configure in claude_desktop_config.json:
  # {
  #   "mcpServers": {
  #     "chatsync": {
  #       "command": "chatsync",
  #       "args": ["mcp"]
  #     }
  #   }
  # }`,
	}

	return cmd
}

// runMCP starts the MCP server and shuts it down on signal
func runMCP(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error closing cache", "err", err)
		}
	}()

	server := mcpserver.NewMCPServer("chatsync", versionInfo.Version)
	handlers := mcp.RegisterTools(server, a.ctrl)

	// Seed the list in the background so the first tool call is warm
	_ = a.ctrl.FetchConversationList(cmd.Context(), false)

	log.Info("MCP server starting on stdio", "owner", a.ctrl.OwnerID())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- mcpserver.ServeStdio(server)
	}()

	select {
	case <-cmd.Context().Done():
		log.Info("shutdown signal received, gracefully shutting down")
		handlers.Shutdown()
		log.Info("shutdown complete")
	case err := <-serverErr:
		handlers.Shutdown()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	return nil
}
