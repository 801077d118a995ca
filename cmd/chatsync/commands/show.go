// ABOUTME: CLI command to print one conversation with its messages
// ABOUTME: Reads the cache first, then merges anything newer from the server
package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harper/chatsync/internal/core"
	"github.com/harper/chatsync/internal/models"
)

type messageRow struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   []models.Source `json:"sources,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type conversationView struct {
	Conversation *conversationRow `json:"conversation,omitempty"`
	ID           string           `json:"id"`
	LoadState    string           `json:"load_state"`
	Messages     []messageRow     `json:"messages"`
}

// NewShowCmd creates the show command
func NewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show a conversation and its messages",
		Long: `Show a conversation and its messages.

Cached messages are shown even when the server cannot be reached.
Messages are numbered; use the index with 'chatsync truncate'.

Examples:
  chatsync show conv_123
  chatsync show conv_123 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.open(cmd.Context(), args[0]); err != nil {
				return err
			}
			return renderConversation(cmd, a.ctrl.Snapshot())
		},
	}
}

func renderConversation(cmd *cobra.Command, snap core.Snapshot) error {
	if wantJSON() {
		view := conversationView{
			ID:        snap.CurrentID,
			LoadState: string(snap.LoadState),
			Messages:  make([]messageRow, 0, len(snap.Messages)),
		}
		if snap.Current != nil {
			row := toRow(*snap.Current)
			view.Conversation = &row
		}
		for _, msg := range snap.Messages {
			view.Messages = append(view.Messages, messageRow{
				ID:        msg.ID,
				Role:      string(msg.Role),
				Content:   msg.Content,
				Sources:   msg.Sources,
				CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return printJSON(cmd, view)
	}

	out := cmd.OutOrStdout()
	title := "(untitled)"
	if snap.Current != nil && snap.Current.Title != "" {
		title = snap.Current.Title
	}
	fmt.Fprintf(out, "%s  [%s]\n", title, snap.CurrentID)
	if !quiet {
		fmt.Fprintf(out, "%s\n", strings.Repeat("-", 40))
	}

	for i, msg := range snap.Messages {
		fmt.Fprintf(out, "%3d  %-9s %s  %s\n", i, msg.Role, formatTime(msg.CreatedAt), msg.Content)
		for _, src := range msg.Sources {
			fmt.Fprintf(out, "       source: %s\n", describeSource(src))
		}
	}
	if len(snap.Messages) == 0 && !quiet {
		fmt.Fprintln(out, "No messages yet")
	}
	return nil
}

func describeSource(src models.Source) string {
	name := src.Title
	if name == "" {
		name = src.URL
	}
	if src.Page > 0 {
		return fmt.Sprintf("%s (p. %d)", name, src.Page)
	}
	return name
}
