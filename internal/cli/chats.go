package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/polychat/internal/models"
)

var chatsLimit int

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List, show and delete conversations",
	Long: `List stored conversations, newest first.

Examples:
  polychat chats
  polychat chats show 3f2a...
  polychat chats delete 3f2a...`,
	Args: cobra.NoArgs,
	RunE: runChatsList,
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsShow,
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsDelete,
}

func init() {
	chatsCmd.Flags().IntVarP(&chatsLimit, "limit", "n", 20, "maximum conversations to list (0 for all)")
	chatsCmd.AddCommand(chatsShowCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)
}

func runChatsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convs, err := application.Persist.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet. Start one with: polychat chat")
		return nil
	}
	if chatsLimit > 0 && len(convs) > chatsLimit {
		convs = convs[:chatsLimit]
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("ID", "TITLE", "MODEL", "UPDATED")
	for _, c := range convs {
		table.AddRow(c.ID, c.Title, c.ProviderID+"/"+c.ModelID, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), table)
	return nil
}

func runChatsShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv, err := application.Persist.Conversation(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	msgs, err := application.Persist.Messages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("get messages: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s\n", defaultTheme.completedStyle().Render(conv.Title))
	fmt.Fprintf(w, "%s\n\n", defaultTheme.hintStyle().Render(fmt.Sprintf("%s/%s, %d messages", conv.ProviderID, conv.ModelID, len(msgs))))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			fmt.Fprintf(w, "%s%s\n\n", defaultTheme.userStyle().Render("you: "), m.Content)
		default:
			fmt.Fprintf(w, "%s\n", m.Content)
			if m.WebResult != nil {
				for _, src := range m.WebResult.Sources {
					fmt.Fprintf(w, "  %s\n", defaultTheme.hintStyle().Render(fmt.Sprintf("[%s] %s", src.Trust, src.URL)))
				}
			}
			if m.Export != nil {
				fmt.Fprintf(w, "  %s\n", defaultTheme.hintStyle().Render("export: "+m.Export.Path))
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func runChatsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Persist.DeleteConversation(ctx, args[0]); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
	return nil
}
