package policymap

// Default context fills expected by the policy packs. Arguments supplied by
// the caller always win; defaults only fill gaps.
const (
	DefaultBaseBranch = "main"
	DefaultPRSizeKB   = 250
	DefaultReasonCode = "customer_request"
)

// BuildContext builds the verification context for a tool call: the tool
// arguments merged with the agent id and tool-specific defaults. Both the
// server handlers and the pre-flight client build their contexts here so
// the two sides always evaluate the same payload.
func BuildContext(tool, agentID string, args map[string]interface{}) map[string]interface{} {
	policyCtx := make(map[string]interface{}, len(args)+3)
	for k, v := range args {
		policyCtx[k] = v
	}
	policyCtx["agent_id"] = agentID

	switch tool {
	case "merge_pull_request":
		if _, ok := policyCtx["base_branch"]; !ok {
			policyCtx["base_branch"] = DefaultBaseBranch
		}
		if _, ok := policyCtx["pr_size_kb"]; !ok {
			policyCtx["pr_size_kb"] = DefaultPRSizeKB
		}
	case "process_refund":
		if _, ok := policyCtx["reason_code"]; !ok {
			policyCtx["reason_code"] = DefaultReasonCode
		}
	}

	return policyCtx
}
