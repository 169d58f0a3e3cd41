package policymap

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Builtin returns the default tool to policy pack mapping shipped with the
// gate. Callers get a fresh copy and may mutate it freely.
func Builtin() map[string]string {
	return map[string]string{
		"merge_pull_request":   "code.repository.merge.v1",
		"process_refund":       "finance.payment.refund.v1",
		"export_customer_data": "data.export.create.v1",
		"publish_release":      "code.release.publish.v1",
		"send_message":         "messaging.message.send.v1",
		"execute_transaction":  "finance.transaction.execute.v1",
		"access_data":          "governance.data.access.v1",
		"crypto_trade":         "finance.crypto.trade.v1",
		"ingest_report":        "data.report.ingest.v1",
		"review_contract":      "legal.contract.review.v1",
	}
}

// Map resolves tool names to policy pack ids. Safe for concurrent use.
type Map struct {
	mu      sync.RWMutex
	entries map[string]string
}

// New creates a Map seeded with the builtin mapping.
func New() *Map {
	return &Map{entries: Builtin()}
}

// NewEmpty creates a Map with no entries.
func NewEmpty() *Map {
	return &Map{entries: make(map[string]string)}
}

// Resolve returns the policy pack id for a tool. Unknown tools fail with an
// error enumerating every mapped tool so callers never silently skip
// verification.
func (m *Map) Resolve(tool string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	packID, ok := m.entries[tool]
	if !ok {
		return "", fmt.Errorf("no policy mapping found for tool: %s. Available tools: %s",
			tool, strings.Join(m.toolsLocked(), ", "))
	}
	return packID, nil
}

// Tools returns the mapped tool names in sorted order.
func (m *Map) Tools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.toolsLocked()
}

func (m *Map) toolsLocked() []string {
	tools := make([]string, 0, len(m.entries))
	for name := range m.entries {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Set adds or replaces a single mapping.
func (m *Map) Set(tool, packID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tool] = packID
}

// Len returns the number of mapped tools.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LoadFile replaces the mapping with the contents of a JSON file of the
// shape {"tool_name": "policy.pack.id", ...}. The swap is all-or-nothing:
// a read or parse failure leaves the current mapping untouched.
func (m *Map) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy map file: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse policy map file: %w", err)
	}

	for tool, packID := range entries {
		if tool == "" || packID == "" {
			return fmt.Errorf("policy map file contains an empty tool name or pack id")
		}
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()

	log.Info().Str("path", path).Int("tools", len(entries)).Msg("Policy map loaded")
	return nil
}
