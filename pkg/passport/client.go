package passport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/aporthq/mcp-policy-gate-go/internal/tracing"
	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	"github.com/aporthq/mcp-policy-gate-go/pkg/audit"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/aporthq/mcp-policy-gate-go/pkg/policymap"
	"github.com/rs/zerolog/log"
)

// Defaults for the retry loop.
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second
)

// EnvAgentID selects the agent passport; DefaultAgentID is the published
// demo passport used when the variable is unset.
const (
	EnvAgentID     = "APORT_AGENT_ID"
	DefaultAgentID = "ap_a2d10232c6534523812423eec8a1425c"
)

// AgentIDFromEnv reads APORT_AGENT_ID, falling back to the demo passport.
func AgentIDFromEnv() string {
	if id := os.Getenv(EnvAgentID); id != "" {
		return id
	}
	return DefaultAgentID
}

// ToolCaller is the transport the wrapper drives. *mcp.Client satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	Close() error
}

// Verifier obtains policy decisions for the pre-flight check. *aport.Client
// satisfies it.
type Verifier interface {
	VerifyPolicy(ctx context.Context, agentID, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error)
}

// Config wires the wrapper.
type Config struct {
	AgentID  string // empty selects AgentIDFromEnv()
	Caller   ToolCaller
	Verifier Verifier
	Policies *policymap.Map // nil selects the builtin mapping
	Auditor  *audit.Store   // optional decision log
}

// CallOptions tune a single CallTool invocation. The zero value verifies
// once and does not retry.
type CallOptions struct {
	RetryOnDenial    bool
	MaxRetries       int           // <=0 selects DefaultMaxRetries
	RetryBackoff     time.Duration // <=0 selects DefaultRetryBackoff
	SkipVerification bool          // rely on the server-side check only
}

// Client attaches an agent passport to every tool call and verifies the
// mapped policy pack before the call leaves the process.
type Client struct {
	agentID  string
	caller   ToolCaller
	verifier Verifier
	policies *policymap.Map
	auditor  *audit.Store
}

// NewClient builds the wrapper. Caller and Verifier are required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("tool caller is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = AgentIDFromEnv()
	}

	policies := cfg.Policies
	if policies == nil {
		policies = policymap.New()
	}

	return &Client{
		agentID:  agentID,
		caller:   cfg.Caller,
		verifier: cfg.Verifier,
		policies: policies,
		auditor:  cfg.Auditor,
	}, nil
}

// AgentID returns the passport attached to outgoing calls.
func (c *Client) AgentID() string {
	return c.agentID
}

// CallTool verifies the tool's policy pack, then calls the tool with the
// agent id attached. On denial, when retry is enabled and attempts remain,
// it halves the tool's dominant numeric field and tries again after a
// linearly growing backoff. Failures that are not denials are retried on
// the same schedule without touching the arguments.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]interface{}, opts CallOptions) (*mcp.CallToolResult, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithAgentID(ctx, c.agentID)
	ctx = tracing.WithTool(ctx, tool)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	currentArgs := copyArgs(args)
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := c.attempt(ctx, tool, currentArgs, opts, attempt, maxRetries)
		if err == nil {
			logger.Info().Int("attempt", attempt+1).Msg("Tool call succeeded")
			return result, nil
		}
		lastErr = err

		var denied *PolicyDeniedError
		if errors.As(err, &denied) {
			if !opts.RetryOnDenial || attempt >= maxRetries-1 {
				return nil, err
			}
			adjustArgs(tool, currentArgs)
			logger.Warn().
				Int("attempt", attempt+1).
				Msg("Policy denied, retrying with adjusted parameters")
		} else {
			if attempt >= maxRetries-1 {
				return nil, err
			}
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Tool call failed, retrying")
		}

		if werr := wait(ctx, backoff*time.Duration(attempt+1)); werr != nil {
			return nil, werr
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed to call %s after %d attempts", tool, maxRetries)
}

// attempt runs one verify-then-call round with the current arguments.
func (c *Client) attempt(ctx context.Context, tool string, args map[string]interface{}, opts CallOptions, attempt, maxRetries int) (*mcp.CallToolResult, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if !opts.SkipVerification {
		policyID, err := c.policies.Resolve(tool)
		if err != nil {
			return nil, err
		}

		policyCtx := policymap.BuildContext(tool, c.agentID, args)

		logger.Debug().
			Str("policy_id", policyID).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Msg("Verifying policy")

		decision, err := c.verifier.VerifyPolicy(ctx, c.agentID, policyID, policyCtx)
		if err != nil {
			return nil, fmt.Errorf("policy verification failed: %w", err)
		}

		c.record(ctx, tool, policyID, decision)

		if !decision.Allow {
			return nil, &PolicyDeniedError{
				Message:  fmt.Sprintf("Policy denied: %s", decision.DenialSummary()),
				Decision: decision,
			}
		}

		logger.Debug().
			Str("policy_id", policyID).
			Str("decision_id", decision.DecisionID).
			Msg("Policy check passed")
	}

	callArgs := copyArgs(args)
	callArgs["agent_id"] = c.agentID

	result, err := c.caller.CallTool(ctx, tool, callArgs)
	if err != nil {
		return nil, err
	}

	if denial := serverDenial(result); denial != nil {
		return nil, denial
	}
	return result, nil
}

// ListTools lists the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.caller.ListTools(ctx)
}

// Close shuts down the transport and releases verifier connections.
func (c *Client) Close() error {
	if closer, ok := c.verifier.(interface{ Close() }); ok {
		closer.Close()
	}
	return c.caller.Close()
}

func (c *Client) record(ctx context.Context, tool, policyID string, decision *aport.Decision) {
	if c.auditor == nil {
		return
	}

	err := c.auditor.Record(ctx, audit.Entry{
		AgentID:    c.agentID,
		Tool:       tool,
		PolicyID:   policyID,
		DecisionID: decision.DecisionID,
		Allow:      decision.Allow,
		Reasons:    audit.JoinReasons(decision.Reasons),
		Side:       audit.SideClient,
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Error().Err(err).Msg("Failed to record audit entry")
	}
}

// serverDenial scans a result for the server-side denial marker.
func serverDenial(result *mcp.CallToolResult) *PolicyDeniedError {
	if result == nil {
		return nil
	}
	for _, content := range result.Content {
		if content.Type == "text" && strings.Contains(content.Text, "Policy denied") {
			return &PolicyDeniedError{Message: content.Text, Result: result}
		}
	}
	return nil
}

// adjustArgs halves the field a denial is most likely gated on, truncating
// toward zero, so the retry lands under a lower policy threshold.
func adjustArgs(tool string, args map[string]interface{}) {
	switch tool {
	case "process_refund":
		halve(args, "amount")
	case "export_customer_data":
		halve(args, "limit")
	}
}

func halve(args map[string]interface{}, key string) {
	switch n := args[key].(type) {
	case float64:
		args[key] = math.Trunc(n * 0.5)
	case int:
		args[key] = n / 2
	case int64:
		args[key] = n / 2
	}
}

func copyArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	return out
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
