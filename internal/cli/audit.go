package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aporthq/mcp-policy-gate-go/pkg/audit"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent policy decisions",
	Long: `Show the most recent policy decisions from the audit log, newest
first. Both server-side and client-side verifications are recorded.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum number of entries to show")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := os.Stat(cfg.Audit.Path); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "No decisions recorded yet.")
		return nil
	}

	store, err := audit.NewStore(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()

	entries, err := store.Recent(ctx, auditLimit)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No decisions recorded yet.")
		return nil
	}

	for _, e := range entries {
		verdict := "ALLOW"
		if !e.Allow {
			verdict = "DENY"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-5s  %-6s  %-20s  %s  decision=%s\n",
			e.CreatedAt.Format(time.RFC3339), verdict, e.Side, e.Tool, e.PolicyID, e.DecisionID)
		if e.Reasons != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "    reasons: %s\n", e.Reasons)
		}
	}
	return nil
}
