package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/polychat/internal/models"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage provider API keys",
	Long: `Store provider API keys in the preferences. Keys set in the environment
(GEMINI_API_KEY, OPENAI_API_KEY, GROQ_API_KEY, OPENROUTER_API_KEY) are used
when no key is stored.

Examples:
  polychat keys set openai
  echo "$KEY" | polychat keys set groq
  polychat keys clear openai`,
}

var keysSetCmd = &cobra.Command{
	Use:   "set <provider>",
	Short: "Store an API key (read from the terminal or stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysSet,
}

var keysClearCmd = &cobra.Command{
	Use:   "clear <provider>",
	Short: "Remove a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := application.Session.SaveCredential(ctx, args[0], ""); err != nil {
			return fmt.Errorf("clear key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed key for %s\n", args[0])
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysSetCmd)
	keysCmd.AddCommand(keysClearCmd)
}

func runKeysSet(cmd *cobra.Command, args []string) error {
	providerID := args[0]
	if _, err := application.Registry.Get(providerID); err != nil {
		return err
	}

	secret, err := readSecret(cmd.ErrOrStderr(), fmt.Sprintf("API key for %s: ", providerID))
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if secret == "" {
		return fmt.Errorf("no key entered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Session.SaveCredential(ctx, providerID, models.Credential(secret)); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved key for %s\n", providerID)
	return nil
}

// readSecret reads without echo from a terminal, or one line from piped stdin.
func readSecret(prompt io.Writer, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
