package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	"github.com/aporthq/mcp-policy-gate-go/pkg/audit"
	"github.com/aporthq/mcp-policy-gate-go/pkg/gate"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/aporthq/mcp-policy-gate-go/pkg/policymap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the policy-gated tools over MCP stdio",
	Long: `Serve the policy-gated tools over the Model Context Protocol on
stdin/stdout. Hosts spawn this command as a subprocess; every tool call is
verified against its APort policy pack before the action runs. All logging
goes to stderr.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logg, err := setupLogging(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logg.Close()

	verifier := aport.NewClient(aport.Options{
		BaseURL:   cfg.Aport.BaseURL,
		TimeoutMS: cfg.Aport.TimeoutMS,
	})
	defer verifier.Close()

	policies := policymap.New()
	if cfg.Policies.File != "" {
		if cfg.Policies.Watch {
			watcher, err := policymap.NewWatcher(policymap.WatcherConfig{
				Path:   cfg.Policies.File,
				Target: policies,
			})
			if err != nil {
				return fmt.Errorf("failed to load policy map: %w", err)
			}
			if err := watcher.Start(); err != nil {
				return fmt.Errorf("failed to watch policy map: %w", err)
			}
			defer watcher.Stop()
		} else if err := policies.LoadFile(cfg.Policies.File); err != nil {
			return fmt.Errorf("failed to load policy map: %w", err)
		}
	}

	var auditor *audit.Store
	if cfg.Audit.Enabled {
		auditor, err = audit.NewStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer auditor.Close()

		if cfg.Audit.RetentionDays > 0 {
			sweeper, err := audit.NewSweeper(audit.SweeperConfig{
				Store:     auditor,
				Schedule:  cfg.Audit.PruneSchedule,
				Retention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to build audit sweeper: %w", err)
			}
			sweeper.Start()
			defer sweeper.Stop()
		}
	}

	toolset, err := gate.NewToolset(gate.ToolsetConfig{
		Verifier: verifier,
		Policies: policies,
		Auditor:  auditor,
	})
	if err != nil {
		return fmt.Errorf("failed to build toolset: %w", err)
	}

	registry := gate.NewRegistry()
	registry.SetTimeout(time.Duration(cfg.Server.ToolTimeoutSeconds) * time.Second)
	if err := toolset.RegisterAll(registry); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	server, err := mcp.NewServer(mcp.ServerConfig{
		Name:     cfg.Server.Name,
		Version:  version,
		Provider: registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return server.Run(ctx)
}
