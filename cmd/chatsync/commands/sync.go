// ABOUTME: Sync commands for the local cache and its remote
// ABOUTME: Provides status, an immediate sync, and a wipe of the local SQLite cache
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harper/chatsync/internal/config"
)

// NewSyncCmd creates the sync command group
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and control synchronization",
		Long: `Inspect and control synchronization between the local SQLite cache
and the conversation service.

The cache holds at most MAX_CACHED_CONVERSATIONS conversations; the
least recently cached ones are evicted first.`,
	}

	cmd.AddCommand(newSyncStatusCmd())
	cmd.AddCommand(newSyncNowCmd())
	cmd.AddCommand(newSyncWipeCmd())

	return cmd
}

func newSyncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache and remote status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			owner := a.ctrl.OwnerID()
			cached, err := a.store.Count(ctx, owner)
			if err != nil {
				return fmt.Errorf("counting cached conversations: %w", err)
			}
			pending, err := a.store.PendingTemporary(ctx, owner)
			if err != nil {
				return fmt.Errorf("listing unconfirmed conversations: %w", err)
			}

			status := map[string]any{
				"owner":      owner,
				"remote":     a.cfg.Remote,
				"database":   a.store.Path(),
				"cached":     cached,
				"max_cached": a.store.MaxCached(),
				"pending":    len(pending),
			}
			if a.cfg.Remote == config.RemoteCharm {
				status["host"] = a.cfg.CharmHost
			} else {
				status["api_url"] = a.cfg.APIURL
			}
			if wantJSON() {
				return printJSON(cmd, status)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Owner:    %s\n", owner)
			fmt.Fprintf(out, "Remote:   %s\n", a.cfg.Remote)
			if a.cfg.Remote == config.RemoteCharm {
				fmt.Fprintf(out, "Host:     %s\n", a.cfg.CharmHost)
			} else {
				fmt.Fprintf(out, "API URL:  %s\n", a.cfg.APIURL)
			}
			fmt.Fprintf(out, "Database: %s\n", a.store.Path())
			fmt.Fprintf(out, "Cached:   %d of %d\n", cached, a.store.MaxCached())
			fmt.Fprintf(out, "Pending:  %d unconfirmed\n", len(pending))
			return nil
		},
	}
}

func newSyncNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Confirm pending conversations and refresh the list",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if a.charm != nil {
				if err := a.charm.Sync(); err != nil {
					return fmt.Errorf("charm sync failed: %w", err)
				}
			}

			ctx := cmd.Context()
			confirmed, err := a.ctrl.ReconcilePending(ctx)
			if err != nil {
				return fmt.Errorf("confirming pending conversations: %w", err)
			}
			if err := a.ctrl.RefreshConversationList(ctx); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Sync complete: %d conversation(s), %d confirmed\n",
					len(a.ctrl.Snapshot().Conversations), confirmed)
			}
			return nil
		},
	}
}

func newSyncWipeCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Wipe the local cache for the current owner",
		Long: `Delete every cached conversation and message of the current owner.

Server data is untouched and is fetched again on next use. Unconfirmed
conversations that never reached the server are lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				fmt.Fprintln(cmd.OutOrStdout(), "This will wipe ALL locally cached conversations!")
				fmt.Fprintln(cmd.OutOrStdout(), "Run with --confirm to proceed")
				return nil
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.ctrl.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("failed to wipe cache: %w", err)
			}
			if !quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "Local cache wiped")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the wipe operation")

	return cmd
}
