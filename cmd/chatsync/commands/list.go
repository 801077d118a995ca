// ABOUTME: CLI command to list cached conversations
// ABOUTME: Shows the cache immediately and refreshes from the server unless --offline
package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/harper/chatsync/internal/models"
)

type conversationRow struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Mode         string `json:"mode"`
	Pinned       bool   `json:"pinned"`
	MessageCount int    `json:"message_count"`
	UpdatedAt    string `json:"updated_at"`
}

func toRow(conv models.Conversation) conversationRow {
	return conversationRow{
		ID:           conv.ID,
		Title:        conv.Title,
		Mode:         string(conv.Mode),
		Pinned:       conv.IsPinned,
		MessageCount: conv.MessageCount,
		UpdatedAt:    conv.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// NewListCmd creates the list command
func NewListCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Long: `List your conversations, pinned first then most recently updated.

The list is refreshed from the server first; if the server cannot be
reached the cached list is shown instead.

Examples:
  chatsync list
  chatsync list --offline
  chatsync list --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if !offline {
				err := a.ctrl.RefreshConversationList(cmd.Context())
				if err == nil {
					return renderConversations(cmd, a.ctrl.Snapshot().Conversations)
				}
				log.Warn("server unreachable, showing cached list", "err", err)
			}

			cached, err := a.store.GetAll(cmd.Context(), a.ctrl.OwnerID())
			if err != nil {
				return fmt.Errorf("reading cache: %w", err)
			}
			return renderConversations(cmd, cached)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Only read the local cache")

	return cmd
}

func renderConversations(cmd *cobra.Command, convs []models.Conversation) error {
	if wantJSON() {
		rows := make([]conversationRow, 0, len(convs))
		for _, conv := range convs {
			rows = append(rows, toRow(conv))
		}
		return printJSON(cmd, rows)
	}

	if len(convs) == 0 {
		if !quiet {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations found")
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PIN\tTITLE\tMODE\tUPDATED\tID\n")
	fmt.Fprintf(w, "---\t-----\t----\t-------\t--\n")
	for _, conv := range convs {
		pin := ""
		if conv.IsPinned {
			pin = "*"
		}
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			pin,
			truncate(title, 40),
			conv.Mode,
			formatTime(conv.UpdatedAt),
			conv.ID)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d conversation(s)\n", len(convs))
	}
	return nil
}
