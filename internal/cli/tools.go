package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools exposed by the MCP server",
	Long: `Spawn the MCP server and list the tools it exposes, with their
descriptions.`,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().StringVar(&callServer, "server", "", "server command to spawn (defaults to this binary with serve)")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logg, err := setupLogging(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logg.Close()

	client, err := newServerClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	if len(tools) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tools available.")
		return nil
	}

	for _, tool := range tools {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n    %s\n", tool.Name, tool.Description)
	}
	return nil
}
