package aport

import "strings"

// Reason describes a single cause behind a policy decision.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decision is the verdict returned by the verification service for one
// policy evaluation. DecisionID is opaque and used for audit correlation.
type Decision struct {
	Allow      bool     `json:"allow"`
	DecisionID string   `json:"decision_id"`
	Reasons    []Reason `json:"reasons,omitempty"`
}

// DenialSummary joins the reason messages into a single line. It returns
// "Policy denied" when the service supplied no reasons.
func (d *Decision) DenialSummary() string {
	if d == nil || len(d.Reasons) == 0 {
		return "Policy denied"
	}

	messages := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		messages = append(messages, r.Message)
	}
	return strings.Join(messages, ", ")
}
