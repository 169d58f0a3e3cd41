package aport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the public APort API endpoint.
	DefaultBaseURL = "https://api.aport.io"
	// DefaultTimeoutMS bounds each verification round-trip.
	DefaultTimeoutMS = 5000

	// EnvBaseURL overrides the verification service base URL.
	EnvBaseURL = "APORT_BASE_URL"
	// EnvTimeoutMS overrides the request timeout in milliseconds.
	EnvTimeoutMS = "APORT_TIMEOUT_MS"
)

// Options configures the verification client.
type Options struct {
	BaseURL   string
	TimeoutMS int
}

// OptionsFromEnv builds Options from APORT_BASE_URL and APORT_TIMEOUT_MS,
// falling back to the public API defaults.
func OptionsFromEnv() Options {
	opts := Options{
		BaseURL:   DefaultBaseURL,
		TimeoutMS: DefaultTimeoutMS,
	}

	if v := os.Getenv(EnvBaseURL); v != "" {
		opts.BaseURL = v
	}
	if v := os.Getenv(EnvTimeoutMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			opts.TimeoutMS = ms
		}
	}

	return opts
}

// Client talks to the APort policy verification endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a verification client from the given options. Zero
// values fall back to defaults.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.TimeoutMS <= 0 {
		opts.TimeoutMS = DefaultTimeoutMS
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(opts.TimeoutMS) * time.Millisecond,
		},
	}
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// VerifyPolicy evaluates the named policy pack for an agent and returns the
// decision. The context map carries the tool arguments plus derived
// defaults; agent_id is always included in the request body.
func (c *Client) VerifyPolicy(ctx context.Context, agentID, policyID string, policyCtx map[string]interface{}) (*Decision, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if policyID == "" {
		return nil, fmt.Errorf("policy id is required")
	}

	body := make(map[string]interface{}, len(policyCtx)+1)
	for k, v := range policyCtx {
		body[k] = v
	}
	body["agent_id"] = agentID

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode verification request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/verify/policy/%s", c.baseURL, url.PathEscape(policyID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("verification service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("failed to decode verification response: %w", err)
	}

	log.Debug().
		Str("policy_id", policyID).
		Str("decision_id", decision.DecisionID).
		Bool("allow", decision.Allow).
		Msg("Policy verified")

	return &decision, nil
}

// Close releases idle connections held by the underlying transport.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
