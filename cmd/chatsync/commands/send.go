// ABOUTME: CLI commands to start conversations and send messages
// ABOUTME: The user turn is cached before the request; the reply is printed when it arrives
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harper/chatsync/internal/models"
)

// NewSendCmd creates the send command
func NewSendCmd() *cobra.Command {
	var (
		conversationID string
		file           string
	)

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message and print the reply",
		Long: `Send a message to an existing conversation and print the assistant reply.

The message is written to the local cache before it is sent. Interrupting
the command (Ctrl-C) abandons the reply but keeps your message.

Examples:
  chatsync send -c conv_123 "What changed since yesterday?"
  chatsync send -c conv_123 --file question.txt
  echo "Summarize" | chatsync send -c conv_123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.open(cmd.Context(), conversationID); err != nil {
				return err
			}
			return ask(cmd, a, content)
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation to send to")
	cmd.Flags().StringVar(&file, "file", "", "Read the message from a file")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}

// NewNewCmd creates the new command
func NewNewCmd() *cobra.Command {
	var (
		voice bool
		file  string
	)

	cmd := &cobra.Command{
		Use:   "new [text]",
		Short: "Start a new conversation",
		Long: `Start a new conversation with a first message.

The conversation gets a temporary id until the server confirms it; the
confirmed id is printed with the reply.

Examples:
  chatsync new "Plan a trip to Lisbon"
  chatsync new --voice --file transcript.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			mode := models.ModeText
			if voice {
				mode = models.ModeVoice
			}
			if _, err := a.ctrl.NewConversation(mode); err != nil {
				return err
			}
			return ask(cmd, a, content)
		},
	}

	cmd.Flags().BoolVar(&voice, "voice", false, "Mark the conversation as a voice conversation")
	cmd.Flags().StringVar(&file, "file", "", "Read the first message from a file")

	return cmd
}

type replyView struct {
	ConversationID string     `json:"conversation_id"`
	Reply          messageRow `json:"reply"`
}

func ask(cmd *cobra.Command, a *app, content string) error {
	reply, err := a.ctrl.Ask(cmd.Context(), content)
	if err != nil {
		return err
	}
	if reply == nil {
		if !quiet {
			fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled; your message was kept")
		}
		return nil
	}

	if wantJSON() {
		return printJSON(cmd, replyView{
			ConversationID: reply.ConversationID,
			Reply: messageRow{
				ID:        reply.ID,
				Role:      string(reply.Role),
				Content:   reply.Content,
				Sources:   reply.Sources,
				CreatedAt: reply.CreatedAt.UTC().Format(time.RFC3339),
			},
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, reply.Content)
	for _, src := range reply.Sources {
		fmt.Fprintf(out, "  source: %s\n", describeSource(src))
	}
	if !quiet {
		fmt.Fprintf(out, "\n[%s]\n", reply.ConversationID)
	}
	return nil
}
