package passport

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	"github.com/aporthq/mcp-policy-gate-go/pkg/audit"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCaller struct {
	mu     sync.Mutex
	names  []string
	calls  []map[string]interface{}
	tools  []mcp.Tool
	closed bool
	fn     func(call int, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

func (s *scriptedCaller) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.names = append(s.names, name)
	s.calls = append(s.calls, args)
	fn := s.fn
	s.mu.Unlock()

	if fn == nil {
		return mcp.TextResult("ok"), nil
	}
	return fn(n, name, args)
}

func (s *scriptedCaller) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return s.tools, nil
}

func (s *scriptedCaller) Close() error {
	s.closed = true
	return nil
}

type scriptedVerifier struct {
	mu       sync.Mutex
	policies []string
	contexts []map[string]interface{}
	fn       func(call int, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error)
}

func (s *scriptedVerifier) VerifyPolicy(ctx context.Context, agentID, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error) {
	s.mu.Lock()
	n := len(s.contexts)
	s.policies = append(s.policies, policyID)
	s.contexts = append(s.contexts, policyCtx)
	fn := s.fn
	s.mu.Unlock()

	if fn == nil {
		return allowed(fmt.Sprintf("dec_%d", n)), nil
	}
	return fn(n, policyID, policyCtx)
}

func allowed(id string) *aport.Decision {
	return &aport.Decision{Allow: true, DecisionID: id}
}

func denied(id string, reasons ...aport.Reason) *aport.Decision {
	return &aport.Decision{Allow: false, DecisionID: id, Reasons: reasons}
}

func newTestClient(t *testing.T, caller ToolCaller, verifier Verifier) *Client {
	t.Helper()
	client, err := NewClient(Config{
		AgentID:  "ap_test",
		Caller:   caller,
		Verifier: verifier,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{}

	_, err := NewClient(Config{Verifier: verifier})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool caller is required")

	_, err = NewClient(Config{Caller: caller})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifier is required")

	client, err := NewClient(Config{Caller: caller, Verifier: verifier})
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentID, client.AgentID())
}

func TestAgentIDFromEnv(t *testing.T) {
	t.Setenv(EnvAgentID, "")
	assert.Equal(t, DefaultAgentID, AgentIDFromEnv())

	t.Setenv(EnvAgentID, "ap_custom")
	assert.Equal(t, "ap_custom", AgentIDFromEnv())
}

func TestCallToolAttachesAgentID(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{}
	client := newTestClient(t, caller, verifier)

	result, err := client.CallTool(context.Background(), "merge_pull_request", map[string]interface{}{
		"repository": "my-org/my-repo",
		"pr_number":  float64(123),
	}, CallOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "ok", result.Text())

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "merge_pull_request", caller.names[0])
	assert.Equal(t, "ap_test", caller.calls[0]["agent_id"])
	assert.Equal(t, "my-org/my-repo", caller.calls[0]["repository"])

	require.Len(t, verifier.contexts, 1)
	assert.Equal(t, []string{"code.repository.merge.v1"}, verifier.policies)
	assert.Equal(t, "ap_test", verifier.contexts[0]["agent_id"])
	assert.Equal(t, "main", verifier.contexts[0]["base_branch"])
	assert.Equal(t, 250, verifier.contexts[0]["pr_size_kb"])
}

func TestCallToolDoesNotMutateCallerArgs(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{}
	client := newTestClient(t, caller, verifier)

	args := map[string]interface{}{
		"repository": "my-org/my-repo",
		"pr_number":  float64(1),
	}
	_, err := client.CallTool(context.Background(), "merge_pull_request", args, CallOptions{})
	require.NoError(t, err)

	assert.Len(t, args, 2)
	assert.NotContains(t, args, "agent_id")
}

func TestPreflightDenialWithoutRetry(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{fn: func(call int, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error) {
		return denied("dec_deny_1", aport.Reason{Code: "limit_exceeded", Message: "amount exceeds limit"}), nil
	}}
	client := newTestClient(t, caller, verifier)

	result, err := client.CallTool(context.Background(), "process_refund", map[string]interface{}{
		"amount":   float64(1000000),
		"currency": "USD",
		"order_id": "ord_1",
	}, CallOptions{})
	require.Error(t, err)
	assert.Nil(t, result)

	var deniedErr *PolicyDeniedError
	require.ErrorAs(t, err, &deniedErr)
	assert.Equal(t, "Policy denied: amount exceeds limit", deniedErr.Message)
	require.NotNil(t, deniedErr.Decision)
	assert.Equal(t, "dec_deny_1", deniedErr.Decision.DecisionID)
	assert.Nil(t, deniedErr.Result)

	assert.Empty(t, caller.calls, "denied call must never reach the transport")
	assert.Len(t, verifier.contexts, 1)
}

func TestRetryHalvesRefundAmount(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{fn: func(call int, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error) {
		amount, _ := policyCtx["amount"].(float64)
		if amount > 300000 {
			return denied(fmt.Sprintf("dec_%d", call), aport.Reason{Code: "limit_exceeded", Message: "amount exceeds limit"}), nil
		}
		return allowed(fmt.Sprintf("dec_%d", call)), nil
	}}
	client := newTestClient(t, caller, verifier)

	result, err := client.CallTool(context.Background(), "process_refund", map[string]interface{}{
		"amount":   float64(1000000),
		"currency": "USD",
		"order_id": "ord_1",
	}, CallOptions{RetryOnDenial: true, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Len(t, verifier.contexts, 3)
	assert.Equal(t, float64(1000000), verifier.contexts[0]["amount"])
	assert.Equal(t, float64(500000), verifier.contexts[1]["amount"])
	assert.Equal(t, float64(250000), verifier.contexts[2]["amount"])

	require.Len(t, caller.calls, 1)
	assert.Equal(t, float64(250000), caller.calls[0]["amount"])
	assert.Equal(t, "ap_test", caller.calls[0]["agent_id"])
}

func TestRetryExhaustionPropagatesDenial(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{fn: func(call int, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error) {
		return denied(fmt.Sprintf("dec_%d", call)), nil
	}}
	client := newTestClient(t, caller, verifier)

	_, err := client.CallTool(context.Background(), "process_refund", map[string]interface{}{
		"amount":   float64(1000000),
		"currency": "USD",
		"order_id": "ord_1",
	}, CallOptions{RetryOnDenial: true, MaxRetries: 3, RetryBackoff: time.Millisecond})
	require.Error(t, err)

	var deniedErr *PolicyDeniedError
	require.ErrorAs(t, err, &deniedErr)

	require.Len(t, verifier.contexts, 3)
	assert.Equal(t, float64(1000000), verifier.contexts[0]["amount"])
	assert.Equal(t, float64(500000), verifier.contexts[1]["amount"])
	assert.Equal(t, float64(250000), verifier.contexts[2]["amount"])
	assert.Empty(t, caller.calls)
}

func TestRetryHalvesExportLimit(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{fn: func(call int, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error) {
		return denied(fmt.Sprintf("dec_%d", call)), nil
	}}
	client := newTestClient(t, caller, verifier)

	_, err := client.CallTool(context.Background(), "export_customer_data", map[string]interface{}{
		"limit": float64(10001),
	}, CallOptions{RetryOnDenial: true, MaxRetries: 2, RetryBackoff: time.Millisecond})
	require.Error(t, err)

	require.Len(t, verifier.contexts, 2)
	assert.Equal(t, []string{"data.export.create.v1", "data.export.create.v1"}, verifier.policies)
	assert.Equal(t, float64(10001), verifier.contexts[0]["limit"])
	assert.Equal(t, float64(5000), verifier.contexts[1]["limit"], "halving truncates")
}

func TestServerSideDenialRetried(t *testing.T) {
	caller := &scriptedCaller{fn: func(call int, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		if call == 0 {
			return mcp.ErrorResult("Policy denied (decision_id: dec_srv_1)"), nil
		}
		return mcp.TextResult("Refund processed: $25.00 USD for order ord_1 (refund_id: ref_1, decision_id: dec_srv_2)"), nil
	}}
	client := newTestClient(t, caller, &scriptedVerifier{})

	result, err := client.CallTool(context.Background(), "process_refund", map[string]interface{}{
		"amount":   float64(5000),
		"currency": "USD",
		"order_id": "ord_1",
	}, CallOptions{RetryOnDenial: true, RetryBackoff: time.Millisecond, SkipVerification: true})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Text(), "Refund processed")

	require.Len(t, caller.calls, 2)
	assert.Equal(t, float64(5000), caller.calls[0]["amount"])
	assert.Equal(t, float64(2500), caller.calls[1]["amount"])
}

func TestServerSideDenialExhaustionCarriesResult(t *testing.T) {
	caller := &scriptedCaller{fn: func(call int, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		return mcp.ErrorResult("Policy denied (decision_id: dec_srv_9)"), nil
	}}
	client := newTestClient(t, caller, &scriptedVerifier{})

	_, err := client.CallTool(context.Background(), "merge_pull_request", map[string]interface{}{
		"repository": "my-org/my-repo",
		"pr_number":  float64(1),
	}, CallOptions{RetryOnDenial: true, MaxRetries: 2, RetryBackoff: time.Millisecond, SkipVerification: true})
	require.Error(t, err)

	var deniedErr *PolicyDeniedError
	require.ErrorAs(t, err, &deniedErr)
	assert.Contains(t, deniedErr.Message, "Policy denied (decision_id: dec_srv_9)")
	require.NotNil(t, deniedErr.Result)
	assert.Nil(t, deniedErr.Decision)
	assert.Len(t, caller.calls, 2)
}

func TestTransportErrorsRetriedWithoutAdjustment(t *testing.T) {
	caller := &scriptedCaller{fn: func(call int, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		if call < 2 {
			return nil, errors.New("broken pipe")
		}
		return mcp.TextResult("ok"), nil
	}}
	client := newTestClient(t, caller, &scriptedVerifier{})

	result, err := client.CallTool(context.Background(), "process_refund", map[string]interface{}{
		"amount":   float64(1000000),
		"currency": "USD",
		"order_id": "ord_1",
	}, CallOptions{RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())

	require.Len(t, caller.calls, 3)
	assert.Equal(t, float64(1000000), caller.calls[0]["amount"])
	assert.Equal(t, float64(1000000), caller.calls[1]["amount"])
	assert.Equal(t, float64(1000000), caller.calls[2]["amount"])
}

func TestUnknownToolNeverReachesTransport(t *testing.T) {
	caller := &scriptedCaller{}
	client := newTestClient(t, caller, &scriptedVerifier{})

	_, err := client.CallTool(context.Background(), "delete_everything", nil,
		CallOptions{MaxRetries: 2, RetryBackoff: time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no policy mapping found for tool: delete_everything")
	assert.Contains(t, err.Error(), "merge_pull_request")
	assert.Empty(t, caller.calls)
}

func TestSkipVerificationBypassesVerifier(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{}
	client := newTestClient(t, caller, verifier)

	_, err := client.CallTool(context.Background(), "merge_pull_request", map[string]interface{}{
		"repository": "my-org/my-repo",
		"pr_number":  float64(2),
	}, CallOptions{SkipVerification: true})
	require.NoError(t, err)

	assert.Empty(t, verifier.contexts)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "ap_test", caller.calls[0]["agent_id"])
}

func TestCallToolContextCanceledDuringBackoff(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{fn: func(call int, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error) {
		return denied("dec_slow"), nil
	}}
	client := newTestClient(t, caller, verifier)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.CallTool(ctx, "process_refund", map[string]interface{}{
		"amount":   float64(100),
		"currency": "USD",
		"order_id": "ord_1",
	}, CallOptions{RetryOnDenial: true, RetryBackoff: 10 * time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, verifier.contexts, 1)
}

func TestVerificationErrorWrapped(t *testing.T) {
	caller := &scriptedCaller{}
	verifier := &scriptedVerifier{fn: func(call int, policyID string, policyCtx map[string]interface{}) (*aport.Decision, error) {
		return nil, errors.New("connection refused")
	}}
	client := newTestClient(t, caller, verifier)

	_, err := client.CallTool(context.Background(), "merge_pull_request", map[string]interface{}{
		"repository": "my-org/my-repo",
		"pr_number":  float64(3),
	}, CallOptions{MaxRetries: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy verification failed")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, caller.calls)
}

func TestClientRecordsAudit(t *testing.T) {
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	caller := &scriptedCaller{}
	client, err := NewClient(Config{
		AgentID:  "ap_audit",
		Caller:   caller,
		Verifier: &scriptedVerifier{},
		Auditor:  store,
	})
	require.NoError(t, err)

	_, err = client.CallTool(context.Background(), "merge_pull_request", map[string]interface{}{
		"repository": "my-org/my-repo",
		"pr_number":  float64(4),
	}, CallOptions{})
	require.NoError(t, err)

	entries, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ap_audit", entries[0].AgentID)
	assert.Equal(t, "merge_pull_request", entries[0].Tool)
	assert.Equal(t, "code.repository.merge.v1", entries[0].PolicyID)
	assert.True(t, entries[0].Allow)
	assert.Equal(t, audit.SideClient, entries[0].Side)
}

func TestListToolsAndClose(t *testing.T) {
	caller := &scriptedCaller{tools: []mcp.Tool{{Name: "merge_pull_request"}}}
	client := newTestClient(t, caller, &scriptedVerifier{})

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "merge_pull_request", tools[0].Name)

	require.NoError(t, client.Close())
	assert.True(t, caller.closed)
}
