package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Side records which half of the integration produced a decision.
const (
	SideServer = "server"
	SideClient = "client"
)

// Entry is one audited policy decision.
type Entry struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	AgentID    string    `json:"agent_id"`
	Tool       string    `json:"tool"`
	PolicyID   string    `json:"policy_id"`
	DecisionID string    `json:"decision_id"`
	Allow      bool      `json:"allow"`
	Reasons    string    `json:"reasons,omitempty"`
	Side       string    `json:"side"`
}

// Store is a SQLite-backed decision log.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the audit database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("audit database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Audit store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			decision_id TEXT NOT NULL,
			allow INTEGER NOT NULL,
			reasons TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
		CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_decisions_decision ON decisions(decision_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record appends one decision. The entry id and timestamp are filled in
// when absent.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate audit id: %w", err)
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Side == "" {
		entry.Side = SideServer
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, created_at, agent_id, tool, policy_id, decision_id, allow, reasons, side)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.CreatedAt.UnixMilli(),
		entry.AgentID,
		entry.Tool,
		entry.PolicyID,
		entry.DecisionID,
		boolToInt(entry.Allow),
		entry.Reasons,
		entry.Side,
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, agent_id, tool, policy_id, decision_id, allow, reasons, side
		FROM decisions
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		var allow int
		if err := rows.Scan(&e.ID, &createdAt, &e.AgentID, &e.Tool, &e.PolicyID, &e.DecisionID, &allow, &e.Reasons, &e.Side); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.Allow = allow != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decisions: %w", err)
	}

	return entries, nil
}

// CountByAgent returns the number of recorded decisions for an agent.
func (s *Store) CountByAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE agent_id = ?`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}

// Prune deletes entries recorded before the cutoff and reports how many
// rows were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned decisions: %w", err)
	}
	return deleted, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// JoinReasons flattens decision reasons into the stored "code: message" form.
func JoinReasons(reasons []aport.Reason) string {
	if len(reasons) == 0 {
		return ""
	}
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, r.Code+": "+r.Message)
	}
	return strings.Join(parts, "; ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
