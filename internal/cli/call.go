package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aporthq/mcp-policy-gate-go/internal/config"
	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	"github.com/aporthq/mcp-policy-gate-go/pkg/audit"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/aporthq/mcp-policy-gate-go/pkg/passport"
)

var (
	callArgPairs   []string
	callRetry      bool
	callMaxRetries int
	callBackoffMS  int
	callSkipVerify bool
	callServer     string
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Call a policy-gated tool through the verification wrapper",
	Long: `Call a tool on the MCP server through the client wrapper. The wrapper
resolves the tool's policy pack, verifies it with APort before the call
leaves the process, and attaches the agent passport to the arguments.
On denial with --retry, numeric parameters are halved and the call is
retried with a linearly growing backoff.`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringArrayVar(&callArgPairs, "arg", nil, "tool argument as key=value (repeatable)")
	callCmd.Flags().BoolVar(&callRetry, "retry", false, "retry with adjusted parameters when the policy denies")
	callCmd.Flags().IntVar(&callMaxRetries, "max-retries", 0, "maximum attempts (default from config)")
	callCmd.Flags().IntVar(&callBackoffMS, "backoff-ms", 0, "base backoff between attempts in milliseconds (default from config)")
	callCmd.Flags().BoolVar(&callSkipVerify, "skip-verification", false, "skip the client-side policy check")
	callCmd.Flags().StringVar(&callServer, "server", "", "server command to spawn (defaults to this binary with serve)")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
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

	toolArgs, err := parseToolArgs(callArgPairs)
	if err != nil {
		return err
	}

	caller, err := newServerClient(cfg)
	if err != nil {
		return err
	}

	verifier := aport.NewClient(aport.Options{
		BaseURL:   cfg.Aport.BaseURL,
		TimeoutMS: cfg.Aport.TimeoutMS,
	})

	var auditor *audit.Store
	if cfg.Audit.Enabled {
		auditor, err = audit.NewStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer auditor.Close()
	}

	client, err := passport.NewClient(passport.Config{
		AgentID:  cfg.Aport.AgentID,
		Caller:   caller,
		Verifier: verifier,
		Auditor:  auditor,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	retry := callRetry
	if !cmd.Flags().Changed("retry") {
		retry = cfg.Client.RetryOnDenial
	}
	maxRetries := callMaxRetries
	if maxRetries <= 0 {
		maxRetries = cfg.Client.MaxRetries
	}
	backoffMS := callBackoffMS
	if backoffMS <= 0 {
		backoffMS = cfg.Client.BackoffMS
	}

	result, err := client.CallTool(ctx, args[0], toolArgs, passport.CallOptions{
		RetryOnDenial:    retry,
		MaxRetries:       maxRetries,
		RetryBackoff:     time.Duration(backoffMS) * time.Millisecond,
		SkipVerification: callSkipVerify,
	})
	if err != nil {
		return err
	}

	if result.IsError {
		return fmt.Errorf("%s", result.Text())
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Text())
	return nil
}

// newServerClient builds the MCP transport, spawning this binary's serve
// command unless the config or --server points elsewhere.
func newServerClient(cfg *config.Config) (*mcp.Client, error) {
	command := callServer
	serverArgs := []string(nil)

	if command == "" {
		command = cfg.Client.ServerCommand
		serverArgs = cfg.Client.ServerArgs
	}
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own binary: %w", err)
		}
		command = exe
		serverArgs = []string{"serve"}
		if cfgFile != "" {
			serverArgs = append(serverArgs, "--config", cfgFile)
		}
	}

	// The request timeout must outlast the server-side tool timeout, or
	// slow tools would be reported as transport failures.
	timeout := time.Duration(cfg.Server.ToolTimeoutSeconds+5) * time.Second

	return mcp.NewClient(mcp.ClientConfig{
		Command: command,
		Args:    serverArgs,
		Timeout: timeout,
	}), nil
}

// parseToolArgs turns repeated key=value flags into a tool argument map.
// Values that parse as JSON objects or arrays, booleans, or numbers keep
// their type; everything else stays a string.
func parseToolArgs(pairs []string) (map[string]interface{}, error) {
	args := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --arg %q (expected key=value)", pair)
		}
		args[key] = parseArgValue(value)
	}
	return args, nil
}

// Numbers are tried before booleans: ParseBool accepts "1" and "0", which
// must stay numeric for amount-style arguments.
func parseArgValue(value string) interface{} {
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			return parsed
		}
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
