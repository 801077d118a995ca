// ABOUTME: Export command writes the local cache as YAML, JSON or Markdown
// ABOUTME: Writes to stdout unless --output names a file
package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewExportCmd creates the export command
func NewExportCmd() *cobra.Command {
	var (
		output     string
		exportType string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export cached conversations",
		Long: `Export every cached conversation of the current owner with its messages.

Only the local cache is exported; run 'chatsync sync now' first to pick
up the latest server state.

Examples:
  chatsync export
  chatsync export --type json --output chats.json
  chatsync export --type markdown > chats.md`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			owner := a.ctrl.OwnerID()
			if output != "" {
				if err := a.store.ExportToFile(ctx, output, exportType, owner); err != nil {
					return err
				}
				if !quiet {
					fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", output)
				}
				return nil
			}

			w := cmd.OutOrStdout()
			switch strings.ToLower(exportType) {
			case "yaml", "yml":
				return a.store.WriteYAML(ctx, w, owner)
			case "json":
				return a.store.WriteJSON(ctx, w, owner)
			case "markdown", "md":
				return a.store.WriteMarkdown(ctx, w, owner)
			default:
				return fmt.Errorf("unsupported export type %q (use yaml, json or markdown)", exportType)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	cmd.Flags().StringVarP(&exportType, "type", "t", "yaml", "Export type: yaml, json or markdown")

	return cmd
}
