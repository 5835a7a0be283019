package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/polychat/internal/prompt"
)

var (
	useProvider string
	useModel    string
	useMode     string
	useWeb      string
	useMemory   string
)

var useCmd = &cobra.Command{
	Use:   "use",
	Short: "Show or change the session selection",
	Long: `Without flags, print the current provider, model and toggles.

Examples:
  polychat use --provider groq
  polychat use --model llama-3.3-70b-versatile
  polychat use --mode coder --web on
  polychat use --memory off`,
	Args: cobra.NoArgs,
	RunE: runUse,
}

func init() {
	useCmd.Flags().StringVar(&useProvider, "provider", "", "provider id")
	useCmd.Flags().StringVar(&useModel, "model", "", "model id")
	useCmd.Flags().StringVar(&useMode, "mode", "", "prompt mode: "+strings.Join(prompt.Modes(nil), ", "))
	useCmd.Flags().StringVar(&useWeb, "web", "", "web grounding: on or off")
	useCmd.Flags().StringVar(&useMemory, "memory", "", "memory injection: on or off")
}

func runUse(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	orch := application.Session

	if useProvider != "" {
		if _, err := orch.SelectProvider(ctx, useProvider); err != nil {
			return fmt.Errorf("select provider: %w", err)
		}
	}
	if useModel != "" {
		if err := orch.SelectModel(ctx, useModel); err != nil {
			return fmt.Errorf("select model: %w", err)
		}
	}
	if useMode != "" {
		if err := orch.SetPromptMode(ctx, useMode); err != nil {
			return fmt.Errorf("set prompt mode: %w", err)
		}
	}
	if useWeb != "" {
		on, err := parseOnOff(useWeb)
		if err != nil {
			return fmt.Errorf("--web: %w", err)
		}
		if err := orch.SetWebGrounding(ctx, on); err != nil {
			return fmt.Errorf("set web grounding: %w", err)
		}
	}
	if useMemory != "" {
		on, err := parseOnOff(useMemory)
		if err != nil {
			return fmt.Errorf("--memory: %w", err)
		}
		if orch.State().Snapshot().MemoryEnabled != on {
			if _, err := orch.ToggleMemory(ctx); err != nil {
				return fmt.Errorf("toggle memory: %w", err)
			}
		}
	}

	st := orch.State().Snapshot()
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Provider:  %s\n", st.ProviderID)
	fmt.Fprintf(w, "Model:     %s\n", st.ModelID)
	fmt.Fprintf(w, "Mode:      %s\n", st.PromptMode)
	fmt.Fprintf(w, "Memory:    %s\n", onOff(st.MemoryEnabled))
	fmt.Fprintf(w, "Web:       %s\n", onOff(st.WebGrounding))
	if uid := application.AccountID(); uid != "" {
		fmt.Fprintf(w, "Signed in: %s\n", uid)
	}
	return nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
