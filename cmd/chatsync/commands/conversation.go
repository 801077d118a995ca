// ABOUTME: CLI commands that change a conversation: rename, pin, delete, truncate
// ABOUTME: Changes apply locally first and are rolled back if the server rejects them
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRenameCmd creates the rename command
func NewRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conversation-id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.ctrl.UpdateConversationTitle(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s\n", args[0])
			}
			return nil
		},
	}
}

// NewPinCmd creates the pin command
func NewPinCmd() *cobra.Command {
	var unpin bool

	cmd := &cobra.Command{
		Use:   "pin <conversation-id>",
		Short: "Pin or unpin a conversation",
		Long: `Pin a conversation so it stays at the top of the list.

Examples:
  chatsync pin conv_123
  chatsync pin --unpin conv_123`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.ctrl.SetPinned(cmd.Context(), args[0], !unpin); err != nil {
				return err
			}
			if !quiet {
				verb := "Pinned"
				if unpin {
					verb = "Unpinned"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&unpin, "unpin", false, "Unpin instead of pin")

	return cmd
}

// NewDeleteCmd creates the delete command
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>...",
		Short: "Delete one or more conversations",
		Long: `Delete conversations locally and on the server.

Several ids are deleted in one batch request.

Examples:
  chatsync delete conv_123
  chatsync delete conv_123 conv_456`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if len(args) == 1 {
				err = a.ctrl.DeleteConversation(cmd.Context(), args[0])
			} else {
				err = a.ctrl.DeleteSelectedConversations(cmd.Context(), args)
			}
			if err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d conversation(s)\n", len(args))
			}
			return nil
		},
	}
}

// NewTruncateCmd creates the truncate command
func NewTruncateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate <conversation-id> <index>",
		Short: "Drop every message from index onward",
		Long: `Keep only the messages before index. Indexes are shown by 'chatsync show'.

Example:
  chatsync truncate conv_123 4`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1], "index")
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.open(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := a.ctrl.TruncateMessagesAt(cmd.Context(), index); err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Kept %d message(s)\n", index)
			}
			return nil
		},
	}
}
