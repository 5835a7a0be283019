// Package cli provides the command-line interface for polychat.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/polychat/internal/app"
	"github.com/raphaelgruber/polychat/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool
	offline bool

	// Global config and application
	cfg         config.Config
	application *app.App
	logCleanup  func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "polychat",
	Short: "Chat with several LLM providers from one terminal",
	Long: `Polychat streams answers from Gemini, OpenAI, Groq and OpenRouter through one
interface. Conversations and memories are stored locally and, once signed in,
synced to a remote store.

Provider keys are read from the saved preferences or from GEMINI_API_KEY,
OPENAI_API_KEY, GROQ_API_KEY and OPENROUTER_API_KEY.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// The chat UI owns the terminal, so logs go to the file unless -v.
		var logger *slog.Logger
		if verbose {
			logger, logCleanup = config.SetupLogger(cfg.LogFile, slog.LevelDebug)
		} else {
			logger, logCleanup = config.SetupFileLogger(cfg.LogFile, cfg.LogLevel)
		}
		slog.SetDefault(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		application, err = app.New(ctx, cfg, logger, app.Options{Offline: offline})
		if err != nil {
			return fmt.Errorf("start polychat: %w", err)
		}
		return nil
	},
}

// Execute runs the root command and always releases the application.
func Execute() error {
	err := rootCmd.Execute()
	shutdown()
	return err
}

func shutdown() {
	if application != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close cleanly: %v\n", err)
		}
		application = nil
	}
	if logCleanup != nil {
		_ = logCleanup()
		logCleanup = nil
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "do not connect to the remote store")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(useCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(signinCmd)
	rootCmd.AddCommand(signoutCmd)
	rootCmd.AddCommand(syncCmd)
}
