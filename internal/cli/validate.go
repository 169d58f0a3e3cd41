package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aporthq/mcp-policy-gate-go/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration, apply environment overrides, and report
every problem found.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	validator := config.NewValidator()
	problems := validator.ValidateConfig(cfg)

	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(cmd.OutOrStdout(), "error: %v\n", p)
		}
		return fmt.Errorf("configuration has %d problem(s)", len(problems))
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK")
	fmt.Fprintf(cmd.OutOrStdout(), "  APort:    %s (timeout %dms)\n", cfg.Aport.BaseURL, cfg.Aport.TimeoutMS)
	fmt.Fprintf(cmd.OutOrStdout(), "  Agent:    %s\n", cfg.Aport.AgentID)
	if cfg.Audit.Enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "  Audit:    %s\n", cfg.Audit.Path)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "  Audit:    disabled")
	}
	if cfg.Policies.File != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Policies: %s (watch=%v)\n", cfg.Policies.File, cfg.Policies.Watch)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "  Policies: builtin mapping")
	}
	return nil
}
