// ABOUTME: MCP tool handler implementations for the chatsync server
// ABOUTME: Every handler goes through the sync controller and answers with JSON text
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harper/chatsync/internal/core"
	"github.com/harper/chatsync/internal/models"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers contains the handler functions for all MCP tools
type Handlers struct {
	ctrl   *core.Controller
	logger *log.Logger
}

type conversationSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Mode         string `json:"mode"`
	Pinned       bool   `json:"pinned"`
	MessageCount int    `json:"message_count,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

type messageView struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   []models.Source `json:"sources,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func summarize(conv models.Conversation) conversationSummary {
	return conversationSummary{
		ID:           conv.ID,
		Title:        conv.Title,
		Mode:         string(conv.Mode),
		Pinned:       conv.IsPinned,
		MessageCount: conv.MessageCount,
		UpdatedAt:    conv.UpdatedAt.Format(time.RFC3339),
	}
}

func viewMessage(msg models.Message) messageView {
	return messageView{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Sources:   msg.Sources,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339),
	}
}

func jsonResult(response any) (*mcp.CallToolResult, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(responseJSON)), nil
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	return args
}

// ListConversations handles the list_conversations tool
func (h *Handlers) ListConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refresh := true
	if v, ok := arguments(request)["refresh"].(bool); ok {
		refresh = v
	}

	if refresh {
		if err := h.ctrl.RefreshConversationList(ctx); err != nil {
			h.logger.Warn("list refresh failed, answering from cache", "err", err)
		}
	}
	if err := h.ctrl.FetchConversationList(ctx, false); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list conversations: %v", err)), nil
	}

	snap := h.ctrl.Snapshot()
	convs := make([]conversationSummary, 0, len(snap.Conversations))
	for _, conv := range snap.Conversations {
		convs = append(convs, summarize(conv))
	}
	return jsonResult(map[string]any{"conversations": convs})
}

// GetConversation handles the get_conversation tool
func (h *Handlers) GetConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id argument is required and must be a string"), nil
	}

	if err := h.ctrl.LoadConversation(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load conversation: %v", err)), nil
	}
	h.ctrl.Wait()

	snap := h.ctrl.Snapshot()
	if snap.CurrentID == "" || (snap.Current == nil && len(snap.Messages) == 0) {
		return mcp.NewToolResultError(fmt.Sprintf("conversation %s not found", id)), nil
	}

	messages := make([]messageView, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		messages = append(messages, viewMessage(msg))
	}
	response := map[string]any{
		"conversation_id": snap.CurrentID,
		"load_state":      string(snap.LoadState),
		"messages":        messages,
	}
	if snap.Current != nil {
		response["conversation"] = summarize(*snap.Current)
	}
	return jsonResult(response)
}

// RenameConversation handles the rename_conversation tool
func (h *Handlers) RenameConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id argument is required and must be a string"), nil
	}
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("title argument is required and must be a string"), nil
	}

	if err := h.ctrl.UpdateConversationTitle(ctx, id, title); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to rename conversation: %v", err)), nil
	}
	return jsonResult(map[string]any{"success": true, "conversation_id": id, "title": title})
}

// PinConversation handles the pin_conversation tool
func (h *Handlers) PinConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id argument is required and must be a string"), nil
	}

	var pinned bool
	if want, ok := arguments(request)["pinned"].(bool); ok {
		err = h.ctrl.SetPinned(ctx, id, want)
		pinned = want
	} else {
		pinned, err = h.ctrl.TogglePin(ctx, id)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to pin conversation: %v", err)), nil
	}
	return jsonResult(map[string]any{"success": true, "conversation_id": id, "pinned": pinned})
}

// DeleteConversations handles the delete_conversations tool
func (h *Handlers) DeleteConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := arguments(request)["conversation_ids"].([]interface{})
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("conversation_ids argument is required and must be a non-empty array"), nil
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		id, ok := item.(string)
		if !ok {
			return mcp.NewToolResultError("conversation_ids must contain only strings"), nil
		}
		ids = append(ids, id)
	}

	if len(ids) == 1 {
		err := h.ctrl.DeleteConversation(ctx, ids[0])
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete conversation: %v", err)), nil
		}
	} else if err := h.ctrl.DeleteSelectedConversations(ctx, ids); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete conversations: %v", err)), nil
	}
	return jsonResult(map[string]any{"success": true, "deleted": len(ids)})
}

// SendMessage handles the send_message tool
func (h *Handlers) SendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content argument is required and must be a string"), nil
	}

	if id := request.GetString("conversation_id", ""); id != "" {
		if err := h.ctrl.LoadConversation(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to open conversation: %v", err)), nil
		}
		h.ctrl.Wait()
	} else if _, err := h.ctrl.NewConversation(models.ModeText); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start conversation: %v", err)), nil
	}

	reply, err := h.ctrl.Ask(ctx, content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	if reply == nil {
		return mcp.NewToolResultError("request was cancelled"), nil
	}
	return jsonResult(map[string]any{
		"conversation_id": reply.ConversationID,
		"reply":           viewMessage(*reply),
	})
}

// Shutdown waits for pending background sync work to complete
func (h *Handlers) Shutdown() {
	h.logger.Info("waiting for pending sync operations")
	h.ctrl.Wait()
}
