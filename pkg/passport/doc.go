// Package passport wraps a tool-calling client so every call carries an
// agent passport and passes a pre-flight policy check before it leaves the
// process.
//
// Invariants:
// - The configured agent id is attached to every outgoing tool call.
// - Each attempt fetches a fresh decision; verdicts are never cached.
// - A denial surfaces as *PolicyDeniedError carrying the decision payload.
// - Retries halve the documented numeric fields with truncation and wait backoff*(attempt+1) between attempts.
//
// Usage:
//
//	client, err := passport.NewClient(passport.Config{
//		AgentID:  passport.AgentIDFromEnv(),
//		Caller:   transport,
//		Verifier: aportClient,
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	result, err := client.CallTool(ctx, "process_refund", args, passport.CallOptions{
//		RetryOnDenial: true,
//	})
package passport
