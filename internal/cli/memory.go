package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/polychat/internal/models"
)

var (
	memoryType  string
	memoryTitle string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage remembered facts",
	Long: `List the facts polychat injects into system prompts.

Facts are captured from chat messages like "remember that I live in Vienna"
or added directly.

Examples:
  polychat memory
  polychat memory add "I prefer metric units" --type preference
  polychat memory disable 7c1e...
  polychat memory toggle 7c1e...
  polychat memory delete 7c1e...`,
	Args: cobra.NoArgs,
	RunE: runMemoryList,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Remember a fact",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoryAdd,
}

var memoryEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Include a memory in prompts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setMemoryEnabled(cmd, args[0], true)
	},
}

var memoryDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Exclude a memory from prompts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setMemoryEnabled(cmd, args[0], false)
	},
}

var memoryToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Flip whether a memory is included in prompts",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryToggle,
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Forget a memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryDelete,
}

func init() {
	memoryAddCmd.Flags().StringVar(&memoryType, "type", string(models.MemoryFact), "memory type: profile-fact, preference or fact")
	memoryAddCmd.Flags().StringVar(&memoryTitle, "title", "", "short title (default: first words of the content)")

	memoryCmd.AddCommand(memoryAddCmd)
	memoryCmd.AddCommand(memoryEnableCmd)
	memoryCmd.AddCommand(memoryDisableCmd)
	memoryCmd.AddCommand(memoryToggleCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
}

func runMemoryList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mems, err := application.Persist.Memories(ctx)
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}
	w := cmd.OutOrStdout()
	if len(mems) == 0 {
		fmt.Fprintln(w, "No memories yet.")
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("ID", "TYPE", "ON", "TITLE", "CONTENT")
	for _, m := range mems {
		table.AddRow(m.ID, m.Type, onOff(m.Enabled), m.Title, m.Content)
	}
	fmt.Fprintln(w, table)

	if !application.Session.State().Snapshot().MemoryEnabled {
		fmt.Fprintln(w, defaultTheme.hintStyle().Render("\nMemory is turned off; enable it with: polychat use --memory=on"))
	}
	return nil
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	typ := models.MemoryType(memoryType)
	if !typ.Valid() {
		return fmt.Errorf("invalid memory type %q", memoryType)
	}
	content := strings.TrimSpace(strings.Join(args, " "))
	if content == "" {
		return fmt.Errorf("memory content is empty")
	}
	title := memoryTitle
	if title == "" {
		title = models.TitleFromText(content)
	}

	mem := models.Memory{
		ID:        uuid.NewString(),
		Type:      typ,
		Title:     title,
		Content:   content,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := application.Persist.CommitMemory(ctx, mem); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Remembered %s (%s)\n", mem.Title, mem.ID)
	return nil
}

func setMemoryEnabled(cmd *cobra.Command, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mem, err := application.Persist.SetMemoryEnabled(ctx, id, enabled)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Memory %q is now %s\n", mem.Title, onOff(mem.Enabled))
	return nil
}

func runMemoryToggle(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mems, err := application.Persist.Memories(ctx)
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}
	for _, m := range mems {
		if m.ID == args[0] {
			return setMemoryEnabled(cmd, m.ID, !m.Enabled)
		}
	}
	return fmt.Errorf("memory %s not found", args[0])
}

func runMemoryDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Persist.DeleteMemory(ctx, args[0]); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted memory %s\n", args[0])
	return nil
}
