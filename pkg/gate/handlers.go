package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aporthq/mcp-policy-gate-go/internal/tracing"
	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	"github.com/aporthq/mcp-policy-gate-go/pkg/audit"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/aporthq/mcp-policy-gate-go/pkg/policymap"
	"github.com/rs/zerolog/log"
)

// Tool names served by the built-in toolset.
const (
	ToolMergePullRequest = "merge_pull_request"
	ToolProcessRefund    = "process_refund"
)

// Verifier obtains a fresh policy decision for one tool call. *aport.Client
// satisfies it.
type Verifier interface {
	VerifyPolicy(ctx context.Context, agentID, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error)
}

// ToolsetConfig configures the built-in policy-gated tools.
type ToolsetConfig struct {
	Verifier Verifier
	Policies *policymap.Map // nil selects the builtin mapping
	Auditor  *audit.Store   // optional decision log
}

// Toolset implements the example tools. Every handler obtains a fresh
// decision for its policy pack before touching the simulated action; a
// denial or a verification failure means the action never runs.
type Toolset struct {
	verifier Verifier
	policies *policymap.Map
	auditor  *audit.Store
	now      func() time.Time

	mergeAction  func(ctx context.Context, repository string, prNumber int64, baseBranch string) error
	refundAction func(ctx context.Context, orderID string, amountCents int64, currency string) error
}

// NewToolset builds the toolset. The verifier is required.
func NewToolset(cfg ToolsetConfig) (*Toolset, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}

	policies := cfg.Policies
	if policies == nil {
		policies = policymap.New()
	}

	ts := &Toolset{
		verifier: cfg.Verifier,
		policies: policies,
		auditor:  cfg.Auditor,
		now:      time.Now,
	}
	ts.mergeAction = ts.simulateMerge
	ts.refundAction = ts.simulateRefund
	return ts, nil
}

// RegisterAll registers every built-in tool on the registry.
func (ts *Toolset) RegisterAll(registry *Registry) error {
	defs := []ToolDefinition{
		{
			Name:        ToolMergePullRequest,
			Description: "Merge a pull request to a branch",
			InputSchema: mergeSchema(),
			Handler:     ts.handleMergePullRequest,
		},
		{
			Name:        ToolProcessRefund,
			Description: "Process a refund for a customer. Amount must be in cents.",
			InputSchema: refundSchema(),
			Handler:     ts.handleProcessRefund,
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (ts *Toolset) handleMergePullRequest(ctx context.Context, args map[string]interface{}) *mcp.CallToolResult {
	decision, blocked := ts.verify(ctx, ToolMergePullRequest, args)
	if blocked != nil {
		return blocked
	}

	repository, _ := args["repository"].(string)
	prNumber := intArg(args, "pr_number")
	baseBranch, _ := args["base_branch"].(string)
	if baseBranch == "" {
		baseBranch = policymap.DefaultBaseBranch
	}

	if err := ts.mergeAction(ctx, repository, prNumber, baseBranch); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("Merge failed: %v", err))
	}

	return mcp.TextResult(fmt.Sprintf("Merged pull request #%d in %s into %s (decision_id: %s)",
		prNumber, repository, baseBranch, decision.DecisionID))
}

func (ts *Toolset) handleProcessRefund(ctx context.Context, args map[string]interface{}) *mcp.CallToolResult {
	decision, blocked := ts.verify(ctx, ToolProcessRefund, args)
	if blocked != nil {
		return blocked
	}

	amountCents := intArg(args, "amount")
	currency, _ := args["currency"].(string)
	orderID, _ := args["order_id"].(string)

	if err := ts.refundAction(ctx, orderID, amountCents, currency); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("Refund failed: %v", err))
	}

	refundID := fmt.Sprintf("ref_%d", ts.now().UnixMilli())
	return mcp.TextResult(fmt.Sprintf("Refund processed: $%.2f %s for order %s (refund_id: %s, decision_id: %s)",
		float64(amountCents)/100, currency, orderID, refundID, decision.DecisionID))
}

// verify resolves the tool's policy pack and fetches a fresh decision. A
// non-nil second return is the result to hand back; the caller must not
// run the action.
func (ts *Toolset) verify(ctx context.Context, tool string, args map[string]interface{}) (*aport.Decision, *mcp.CallToolResult) {
	agentID, _ := args["agent_id"].(string)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	policyID, err := ts.policies.Resolve(tool)
	if err != nil {
		return nil, mcp.ErrorResult(err.Error())
	}

	policyCtx := policymap.BuildContext(tool, agentID, args)

	decision, err := ts.verifier.VerifyPolicy(ctx, agentID, policyID, policyCtx)
	if err != nil {
		logger.Error().
			Err(err).
			Str("policy_id", policyID).
			Msg("Policy verification failed")
		return nil, mcp.ErrorResult(fmt.Sprintf("Policy verification failed: %v", err))
	}

	ts.record(ctx, tool, policyID, agentID, decision)

	if !decision.Allow {
		logger.Warn().
			Str("policy_id", policyID).
			Str("decision_id", decision.DecisionID).
			Str("agent_id", agentID).
			Msg("Policy denied")
		return nil, denialResult(decision)
	}

	logger.Info().
		Str("policy_id", policyID).
		Str("decision_id", decision.DecisionID).
		Msg("Policy allowed")
	return decision, nil
}

func (ts *Toolset) record(ctx context.Context, tool, policyID, agentID string, decision *aport.Decision) {
	if ts.auditor == nil {
		return
	}

	err := ts.auditor.Record(ctx, audit.Entry{
		AgentID:    agentID,
		Tool:       tool,
		PolicyID:   policyID,
		DecisionID: decision.DecisionID,
		Allow:      decision.Allow,
		Reasons:    audit.JoinReasons(decision.Reasons),
		Side:       audit.SideServer,
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Error().Err(err).Msg("Failed to record audit entry")
	}
}

// denialResult renders a denial as a tool error result. The "Policy denied"
// prefix is load-bearing: clients detect server-side denials by scanning
// the result text for it.
func denialResult(decision *aport.Decision) *mcp.CallToolResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy denied (decision_id: %s)", decision.DecisionID)
	if len(decision.Reasons) > 0 {
		b.WriteString("\nReasons:")
		for _, r := range decision.Reasons {
			fmt.Fprintf(&b, "\n- %s: %s", r.Code, r.Message)
		}
	}
	return mcp.ErrorResult(b.String())
}

func (ts *Toolset) simulateMerge(ctx context.Context, repository string, prNumber int64, baseBranch string) error {
	// A real integration would call the forge API here.
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("repository", repository).
		Int64("pr_number", prNumber).
		Str("base_branch", baseBranch).
		Msg("Merging pull request")
	return nil
}

func (ts *Toolset) simulateRefund(ctx context.Context, orderID string, amountCents int64, currency string) error {
	// A real integration would call the payment processor here.
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("order_id", orderID).
		Int64("amount_cents", amountCents).
		Str("currency", currency).
		Msg("Processing refund")
	return nil
}

func mergeSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Agent passport id used for policy verification",
			},
			"repository": map[string]interface{}{
				"type":        "string",
				"description": "Repository name (owner/repo)",
			},
			"pr_number": map[string]interface{}{
				"type":        "integer",
				"description": "Pull request number",
			},
			"base_branch": map[string]interface{}{
				"type":        "string",
				"description": "Base branch (e.g., main)",
			},
			"pr_size_kb": map[string]interface{}{
				"type":        "number",
				"description": "Approximate change size in kilobytes",
			},
		},
		"required":             []interface{}{"agent_id", "repository", "pr_number"},
		"additionalProperties": false,
	}
}

func refundSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Agent passport id used for policy verification",
			},
			"amount": map[string]interface{}{
				"type":        "integer",
				"description": "Amount in cents",
			},
			"currency": map[string]interface{}{
				"type":        "string",
				"description": "Currency code (USD, EUR, etc.)",
			},
			"order_id": map[string]interface{}{
				"type":        "string",
				"description": "Order ID",
			},
			"customer_id": map[string]interface{}{
				"type":        "string",
				"description": "Customer ID",
			},
			"reason_code": map[string]interface{}{
				"type":        "string",
				"description": "Reason for refund",
			},
		},
		"required":             []interface{}{"agent_id", "amount", "currency", "order_id"},
		"additionalProperties": false,
	}
}

func intArg(args map[string]interface{}, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
