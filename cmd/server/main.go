// ABOUTME: Standalone entry point for the chatsync MCP server with stdio transport
// ABOUTME: Same server as 'chatsync mcp', for MCP clients that launch a bare binary
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/harper/chatsync/cmd/chatsync/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := commands.NewMCPCmd()
	cmd.SilenceUsage = true
	cmd.SetArgs(os.Args[1:])
	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Fatal("server error", "err", err)
	}
}
