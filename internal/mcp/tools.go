// ABOUTME: MCP tool definitions and registration for the chatsync server
// ABOUTME: Exposes conversation listing, reading, renaming, pinning, deletion and sending
package mcp

import (
	"github.com/charmbracelet/log"
	"github.com/harper/chatsync/internal/core"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all MCP tools with the server
func RegisterTools(server *mcpserver.MCPServer, ctrl *core.Controller) *Handlers {
	handlers := &Handlers{
		ctrl:   ctrl,
		logger: log.Default().WithPrefix("mcp"),
	}

	// 1. list_conversations - List cached conversations, refreshing from the server
	server.AddTool(mcp.Tool{
		Name:        "list_conversations",
		Description: "List the user's conversations, pinned first then most recently updated. Refreshes from the server unless refresh is false.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"refresh": map[string]interface{}{
					"type":        "boolean",
					"description": "Fetch the latest list from the server before answering (default: true)",
					"default":     true,
				},
			},
		},
	}, handlers.ListConversations)

	// 2. get_conversation - Read one conversation with its messages
	server.AddTool(mcp.Tool{
		Name:        "get_conversation",
		Description: "Get a conversation and its messages. Cached messages are returned together with anything newer on the server.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation ID",
				},
			},
			Required: []string{"conversation_id"},
		},
	}, handlers.GetConversation)

	// 3. rename_conversation - Change a conversation title
	server.AddTool(mcp.Tool{
		Name:        "rename_conversation",
		Description: "Rename a conversation.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation ID",
				},
				"title": map[string]interface{}{
					"type":        "string",
					"description": "New title",
				},
			},
			Required: []string{"conversation_id", "title"},
		},
	}, handlers.RenameConversation)

	// 4. pin_conversation - Pin, unpin or toggle a conversation
	server.AddTool(mcp.Tool{
		Name:        "pin_conversation",
		Description: "Pin or unpin a conversation. Without pinned the current state is toggled.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation ID",
				},
				"pinned": map[string]interface{}{
					"type":        "boolean",
					"description": "Desired pinned state",
				},
			},
			Required: []string{"conversation_id"},
		},
	}, handlers.PinConversation)

	// 5. delete_conversations - Delete one or more conversations
	server.AddTool(mcp.Tool{
		Name:        "delete_conversations",
		Description: "Delete conversations locally and on the server in one batch.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_ids": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Conversation IDs to delete",
				},
			},
			Required: []string{"conversation_ids"},
		},
	}, handlers.DeleteConversations)

	// 6. send_message - Ask the assistant in a conversation
	server.AddTool(mcp.Tool{
		Name:        "send_message",
		Description: "Send a message and return the assistant's reply. Starts a new conversation when conversation_id is omitted.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation ID (optional)",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Message to send",
				},
			},
			Required: []string{"content"},
		},
	}, handlers.SendMessage)

	return handlers
}
