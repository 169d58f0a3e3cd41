package passport

import (
	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
)

// PolicyDeniedError reports a denied tool call. Exactly one of Decision and
// Result is set: Decision for a pre-flight denial, Result for a denial the
// server reported in its tool output.
type PolicyDeniedError struct {
	Message  string
	Decision *aport.Decision
	Result   *mcp.CallToolResult
}

func (e *PolicyDeniedError) Error() string {
	return e.Message
}
