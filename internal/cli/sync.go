package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var signinCmd = &cobra.Command{
	Use:   "signin <user-id>",
	Short: "Sign in and merge with the remote store",
	Long: `Fetch the remote copy of your chats, memories and preferences and merge it
with the local data. Preferences are merged field by field; for chats and
memories the remote copy wins unless it is empty. Afterwards changes are pushed
in the background.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		res, err := application.SignIn(ctx, args[0])
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, defaultTheme.completedStyle().Render("✓ Signed in as "+args[0]))
		fmt.Fprintf(w, "  Chats:    %d (from %s)\n", res.Chats, res.ChatsSource)
		fmt.Fprintf(w, "  Memories: %d (from %s)\n", res.Memories, res.MemoriesSource)
		return nil
	},
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Push pending changes and stop syncing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if err := application.SignOut(ctx); err != nil {
			return fmt.Errorf("sign out: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out. Local data is kept.")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes to the remote store now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if err := application.Persist.Sync(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), defaultTheme.completedStyle().Render("✓ Synced"))
		return nil
	},
}
