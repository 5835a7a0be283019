package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List the models a provider offers",
	Long: `Fetch the model list of a provider, ranked with the recommended models first.
Defaults to the selected provider.

Examples:
  polychat models
  polychat models openrouter`,
	Args: cobra.MaximumNArgs(1),
	RunE: runModels,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the supported providers",
	Args:  cobra.NoArgs,
	RunE:  runProviders,
}

func runModels(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	st := application.Session.State().Snapshot()
	providerID := st.ProviderID
	if len(args) == 1 {
		providerID = args[0]
	}
	if providerID == "" {
		return fmt.Errorf("no provider selected; pass one or run: polychat use --provider <id>")
	}

	list, err := application.Session.Models(ctx, providerID)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("", "ID", "NAME", "CONTEXT")
	for _, m := range list {
		marker := ""
		if providerID == st.ProviderID && m.ID == st.ModelID {
			marker = "*"
		}
		ctxLen := "-"
		if m.ContextLength != nil {
			ctxLen = humanTokens(*m.ContextLength)
		}
		table.AddRow(marker, m.ID, m.DisplayName, ctxLen)
	}
	fmt.Fprintln(cmd.OutOrStdout(), table)
	return nil
}

func runProviders(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := application.Session.State().Snapshot()
	table := uitable.New()
	table.AddRow("", "ID", "NAME", "KEY")
	for _, p := range application.Session.Providers() {
		marker := ""
		if p.ID == st.ProviderID {
			marker = "*"
		}
		key := "missing"
		switch {
		case !p.RequiresCredential:
			key = "not needed"
		case application.Session.HasCredential(ctx, p.ID):
			key = "set"
		}
		table.AddRow(marker, p.ID, p.DisplayName, key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), table)
	return nil
}
